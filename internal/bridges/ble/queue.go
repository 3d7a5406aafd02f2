package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Queue sizing and timing.
const (
	// submissionQueueSize bounds commands waiting for the worker.
	submissionQueueSize = 16

	// notificationBufferSize bounds reply notifications waiting to be
	// matched to a command. Chatty peripherals overflow this between
	// commands; stale entries are drained before each send.
	notificationBufferSize = 64

	// defaultCommandTimeout applies when a caller passes a zero timeout.
	defaultCommandTimeout = 10 * time.Second
)

// TransmitFunc writes one request frame to the peripheral.
type TransmitFunc func(ctx context.Context, payload []byte) error

type commandResult struct {
	reply []byte
	err   error
}

type pendingCommand struct {
	request     []byte
	expectReply bool
	timeout     time.Duration

	// result has capacity 1 and is written exactly once, by the worker.
	result chan commandResult
}

func (c *pendingCommand) resolve(reply []byte, err error) {
	c.result <- commandResult{reply: reply, err: err}
}

// CommandQueue serializes request/reply exchanges with one peripheral.
//
// Vendor GATT protocols typically run over a single pair of characteristics
// with no frame multiplexing, so concurrent writers would interleave requests
// and steal each other's replies. The queue accepts commands from any
// goroutine and plays them against the peripheral strictly one at a time:
// drain stale notifications, write the request, wait for the reply.
//
// Thread Safety:
//   - Send, HandleNotification, Stats and Close are safe for concurrent use.
type CommandQueue struct {
	transmit TransmitFunc
	logger   Logger

	submissions   chan *pendingCommand
	notifications chan []byte

	// ctx unblocks a transmit in flight when the queue closes.
	ctx       context.Context
	ctxCancel context.CancelFunc

	done *closeOnce
	wg   sync.WaitGroup

	commandsTx        atomic.Uint64
	repliesRx         atomic.Uint64
	timeouts          atomic.Uint64
	notificationsDrop atomic.Uint64
}

// QueueStats holds command queue counters.
type QueueStats struct {
	CommandsSent         uint64
	RepliesReceived      uint64
	Timeouts             uint64
	NotificationsDropped uint64
}

// NewCommandQueue creates a queue around transmit and starts its worker.
// The logger may be nil.
func NewCommandQueue(transmit TransmitFunc, logger Logger) *CommandQueue {
	if logger == nil {
		logger = noopLogger{}
	}
	q := &CommandQueue{
		transmit:      transmit,
		logger:        logger,
		submissions:   make(chan *pendingCommand, submissionQueueSize),
		notifications: make(chan []byte, notificationBufferSize),
		done:          newCloseOnce(),
	}
	q.ctx, q.ctxCancel = context.WithCancel(context.Background())
	q.wg.Add(1)
	go q.worker()
	return q
}

// Send queues one command and blocks until it resolves. When expectReply is
// set the first notification that arrives after the write is returned as the
// reply; otherwise Send resolves as soon as the write completes. A zero
// timeout selects the default.
//
// The context only abandons the wait. A command already handed to the worker
// still runs to completion against the peripheral.
func (q *CommandQueue) Send(ctx context.Context, request []byte, expectReply bool, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cmd := &pendingCommand{
		request:     request,
		expectReply: expectReply,
		timeout:     timeout,
		result:      make(chan commandResult, 1),
	}

	select {
	case <-q.done.Done():
		return nil, ErrQueueClosed
	default:
	}

	select {
	case q.submissions <- cmd:
	case <-q.done.Done():
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-cmd.result:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done.Done():
		// The worker may have resolved the command just before exiting,
		// or the command may still sit in a drained buffer.
		select {
		case res := <-cmd.result:
			return res.reply, res.err
		default:
			return nil, ErrQueueClosed
		}
	}
}

// HandleNotification feeds one notification frame into the queue. Wire it to
// the reply characteristic's subscription. Frames that arrive while the
// buffer is full are dropped and counted.
func (q *CommandQueue) HandleNotification(data []byte) {
	select {
	case q.notifications <- data:
	default:
		q.notificationsDrop.Add(1)
		q.logger.Warn("notification dropped, buffer full", "bytes", len(data))
	}
}

// Stats returns a snapshot of the queue counters.
func (q *CommandQueue) Stats() QueueStats {
	return QueueStats{
		CommandsSent:         q.commandsTx.Load(),
		RepliesReceived:      q.repliesRx.Load(),
		Timeouts:             q.timeouts.Load(),
		NotificationsDropped: q.notificationsDrop.Load(),
	}
}

// Close shuts the queue down. Queued and in-flight commands resolve with
// ErrQueueClosed, and later Sends fail fast. Safe to call more than once.
func (q *CommandQueue) Close() {
	q.done.Close()
	q.ctxCancel()
	q.wg.Wait()
}

func (q *CommandQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done.Done():
			q.failPending()
			return
		case cmd := <-q.submissions:
			q.serve(cmd)
		}
	}
}

// failPending resolves everything still queued at shutdown.
func (q *CommandQueue) failPending() {
	for {
		select {
		case cmd := <-q.submissions:
			cmd.resolve(nil, ErrQueueClosed)
		default:
			return
		}
	}
}

func (q *CommandQueue) serve(cmd *pendingCommand) {
	// Notifications from before this command are stale replies.
	q.drainNotifications()

	writeCtx, cancel := context.WithTimeout(q.ctx, cmd.timeout)
	err := q.transmit(writeCtx, cmd.request)
	cancel()
	if err != nil {
		if q.isClosed() {
			cmd.resolve(nil, ErrQueueClosed)
			return
		}
		cmd.resolve(nil, err)
		return
	}
	q.commandsTx.Add(1)

	if !cmd.expectReply {
		cmd.resolve(nil, nil)
		return
	}

	timer := time.NewTimer(cmd.timeout)
	defer timer.Stop()
	select {
	case reply := <-q.notifications:
		q.repliesRx.Add(1)
		cmd.resolve(reply, nil)
	case <-timer.C:
		q.timeouts.Add(1)
		cmd.resolve(nil, ErrCommandTimeout)
	case <-q.done.Done():
		cmd.resolve(nil, ErrQueueClosed)
	}
}

func (q *CommandQueue) drainNotifications() {
	for {
		select {
		case <-q.notifications:
		default:
			return
		}
	}
}

func (q *CommandQueue) isClosed() bool {
	select {
	case <-q.done.Done():
		return true
	default:
		return false
	}
}
