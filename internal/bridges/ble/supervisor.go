package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Supervisor timing and limits.
const (
	// visibilityTimeout is how long a connecting device may go unseen by
	// the scanner before the cycle is abandoned as missing.
	visibilityTimeout = 10 * time.Second

	// connectTimeout bounds one connection attempt, dial plus discovery.
	connectTimeout = 12 * time.Second

	// availabilityPublishTimeout bounds the offline publish during
	// teardown, which must not stall the reconnect loop.
	availabilityPublishTimeout = 1 * time.Second

	// disconnectSettleTimeout is how long to wait after close for the
	// stack to notice the link is gone before redialing.
	disconnectSettleTimeout = 10 * time.Second

	// adapterRecoverySleep gives the adapter a moment to come back after
	// a hardware-fault restart.
	adapterRecoverySleep = 3 * time.Second

	// failureLimit is how many consecutive real connection failures
	// trigger an adapter restart. Missing devices have their own
	// per-device limit.
	failureLimit = 5
)

// Session is the per-device broker surface the supervisor and the device
// handler loops publish through. Publishing state also refreshes the
// device's availability, so consumers always see "online" next to fresh
// data.
type Session interface {
	Publisher

	// PublishAvailability sets the device's availability topic.
	PublishAvailability(ctx context.Context, online bool) error

	// SubscribeCommands subscribes the device's command topics. A device
	// with no writable entities is a no-op.
	SubscribeCommands(ctx context.Context) error
}

// SupervisorStats holds per-device lifecycle counters.
type SupervisorStats struct {
	// Cycles is the number of completed connection cycles.
	Cycles uint64

	// Connects is the number of successful connections.
	Connects uint64

	// AdapterRestarts is how many restarts this device triggered.
	AdapterRestarts uint64

	// Missing is the current run of cycles the device went unseen.
	Missing int64

	// Failures is the current run of real connection failures.
	Failures int64
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Device    Device
	Dialer    Dialer
	Session   Session
	Restarter AdapterRestarter

	// HardwareFault classifies errors that indicate the adapter itself
	// has wedged rather than the peripheral misbehaving. May be nil.
	HardwareFault func(error) bool

	// Events receives notable lifecycle transitions for the journal.
	// May be nil.
	Events func(ctx context.Context, event, detail string)

	// Logger is optional.
	Logger Logger
}

// Supervisor owns one device's connection lifecycle: wait until the scanner
// hears it, connect, run its handler loops, classify whatever ended the
// cycle, and back off before trying again. Persistent trouble escalates to
// an adapter restart.
//
// Run is the only entry point and is not reentrant; the fleet starts one
// goroutine per device.
type Supervisor struct {
	device        Device
	dialer        Dialer
	session       Session
	restarter     AdapterRestarter
	hardwareFault func(error) bool
	events        func(ctx context.Context, event, detail string)
	log           Logger

	// lastSuccessful marks whether the previous cycle reached a live
	// connection; failed cycles reconnect as soon as the device is heard.
	lastSuccessful bool

	missing  atomic.Int64
	failures atomic.Int64

	cycles   atomic.Uint64
	connects atomic.Uint64
	restarts atomic.Uint64
}

// NewSupervisor validates opts and builds a supervisor for one device.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("ble: supervisor requires a device")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("ble: supervisor requires a dialer")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("ble: supervisor requires a session")
	}
	if opts.Restarter == nil {
		return nil, fmt.Errorf("ble: supervisor requires an adapter restarter")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Supervisor{
		device:        opts.Device,
		dialer:        opts.Dialer,
		session:       opts.Session,
		restarter:     opts.Restarter,
		hardwareFault: opts.HardwareFault,
		events:        opts.Events,
		log:           opts.Logger,
	}, nil
}

// emit records one lifecycle event when a recorder is wired.
func (s *Supervisor) emit(ctx context.Context, event, detail string) {
	if s.events == nil {
		return
	}
	s.events(ctx, event, detail)
}

// Run loops connection cycles until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("device supervisor started",
		"device", s.device.UniqueID(),
		"address", s.device.Address(),
		"mode", string(s.device.ConnectionMode()))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.runCycle(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.backoff(ctx); err != nil {
			return err
		}
	}
}

// runCycle executes one full cycle: restart barrier, serve, classify, and
// escalate when either failure counter crosses its limit.
func (s *Supervisor) runCycle(ctx context.Context) {
	if err := s.restarter.Barrier(ctx); err != nil {
		return
	}

	s.cycles.Add(1)
	s.lastSuccessful = false

	err := s.serveOnce(ctx)

	if ctx.Err() != nil {
		// Shutdown. Modes whose teardown skips the offline publish get
		// it here so consumers see the bridge go away.
		if s.device.ConnectionMode().Transient() {
			s.publishOffline()
		}
		return
	}
	if err == nil {
		return
	}

	if s.hardwareFault != nil && s.hardwareFault(err) {
		s.log.Error("hardware-level fault, restarting adapter",
			"device", s.device.UniqueID(),
			"error", err)
		s.restartAdapter(ctx)
		_ = sleepCtx(ctx, adapterRecoverySleep)
	}

	s.classify(ctx, err)

	if s.failures.Load() >= failureLimit {
		s.log.Error("connection failures keep repeating, restarting adapter",
			"device", s.device.UniqueID(),
			"failures", s.failures.Load())
		s.failures.Store(0)
		s.restartAdapter(ctx)
	}
}

// serveOnce runs one connection cycle body. The deferred teardown publishes
// offline for modes that hold their availability, closes the link, and
// waits for the stack to settle.
func (s *Supervisor) serveOnce(ctx context.Context) error {
	mode := s.device.ConnectionMode()

	defer func() {
		if !mode.Transient() {
			s.publishOffline()
		}
		s.closeDevice(ctx)
	}()

	if mode != ModePassive {
		if err := s.device.WaitSeenOnce(ctx, visibilityTimeout); err != nil {
			return err
		}
	}

	if err := s.connect(ctx); err != nil {
		return err
	}
	s.lastSuccessful = true

	if err := s.device.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", s.device.UniqueID(), err)
	}
	s.missing.Store(0)
	s.failures.Store(0)

	if err := s.session.SubscribeCommands(ctx); err != nil {
		return fmt.Errorf("subscribe commands for %s: %w", s.device.UniqueID(), err)
	}

	return s.runTasks(ctx)
}

// connect dials the device within the connection budget. Passive devices
// pass straight through.
func (s *Supervisor) connect(ctx context.Context) error {
	if s.device.ConnectionMode() == ModePassive {
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := s.device.Connect(connectCtx, s.dialer)
	if err == nil {
		s.connects.Add(1)
		s.log.Debug("device connected",
			"device", s.device.UniqueID(),
			"address", s.device.Address())
		s.emit(ctx, EventDeviceConnected, "")
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: no link to %s within %v",
			ErrConnectTimeout, s.device.Address(), connectTimeout)
	}
	return err
}

// runTasks races the device's handler loops: the main loop always, a link
// watcher for modes that hold the connection, and the command consumer when
// the device subscribes to anything. The first to return ends the cycle.
func (s *Supervisor) runTasks(ctx context.Context) error {
	tasks := make([]Task, 0, 3)

	if s.device.ConnectionMode().HoldsConnection() {
		drop := s.device.Disconnected()
		tasks = append(tasks, Task{
			Name: "link watch",
			Run: func(taskCtx context.Context) error {
				select {
				case <-drop:
					return fmt.Errorf("%w: %s", ErrDisconnected, s.device.UniqueID())
				case <-taskCtx.Done():
					return taskCtx.Err()
				}
			},
		})
	}

	tasks = append(tasks, Task{
		Name: "handle",
		Run: func(taskCtx context.Context) error {
			return s.device.Handle(taskCtx, s.session)
		},
	})

	if len(s.device.SubscribedTopics()) > 0 {
		tasks = append(tasks, Task{
			Name: "handle messages",
			Run: func(taskCtx context.Context) error {
				return s.device.HandleMessages(taskCtx, s.session)
			},
		})
	}

	return RaceTasks(ctx, s.log, tasks...)
}

// classify updates the failure counters from the error that ended a cycle.
// Cycles where the device simply was not there count as missing; anything
// else is a real failure. A device missing for too many cycles in a row
// escalates to an adapter restart, since a deaf radio and an absent device
// look identical from here.
func (s *Supervisor) classify(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		s.missing.Add(1)
		s.log.Info("device unavailable",
			"device", s.device.UniqueID(),
			"missing_cycles", s.missing.Load(),
			"error", err)
		s.emit(ctx, EventDeviceMissing, err.Error())
	case strings.Contains(err.Error(), "was not found"):
		s.missing.Add(1)
		s.log.Info("device unavailable",
			"device", s.device.UniqueID(),
			"missing_cycles", s.missing.Load(),
			"error", err)
		s.emit(ctx, EventDeviceMissing, err.Error())
	default:
		s.failures.Add(1)
		s.log.Warn("device cycle failed",
			"device", s.device.UniqueID(),
			"failures", s.failures.Load(),
			"error", err)
		s.emit(ctx, EventDeviceFailure, err.Error())
	}

	limit := int64(s.device.ConnectionFailuresLimit())
	if limit > 0 && s.missing.Load() >= limit {
		s.log.Warn("device missing for too many cycles, restarting adapter",
			"device", s.device.UniqueID(),
			"missing_cycles", s.missing.Load())
		s.missing.Store(0)
		s.restartAdapter(ctx)
	}
}

// backoff pauses between cycles. Modes that hold their connection, and any
// cycle that never reached a connection, cut the pause short as soon as the
// scanner hears the device again.
func (s *Supervisor) backoff(ctx context.Context) error {
	interval := s.device.ReconnectionInterval()
	if s.device.ConnectionMode().HoldsConnection() || !s.lastSuccessful {
		s.device.WaitAdvert(ctx, interval)
		return ctx.Err()
	}
	return sleepCtx(ctx, interval)
}

// publishOffline marks the device unavailable with a short budget and a
// fresh context, because teardown also runs during shutdown.
func (s *Supervisor) publishOffline() {
	offCtx, cancel := context.WithTimeout(context.Background(), availabilityPublishTimeout)
	defer cancel()
	if err := s.session.PublishAvailability(offCtx, false); err != nil {
		s.log.Debug("offline publish failed",
			"device", s.device.UniqueID(),
			"error", err)
	}
}

// closeDevice drops the link and waits for the stack to notice, so the next
// dial does not race a half-dead connection.
func (s *Supervisor) closeDevice(ctx context.Context) {
	drop := s.device.Disconnected()
	if err := s.device.Close(); err != nil {
		s.log.Debug("device close failed",
			"device", s.device.UniqueID(),
			"error", err)
	}
	if drop == nil {
		return
	}
	timer := time.NewTimer(disconnectSettleTimeout)
	defer timer.Stop()
	select {
	case <-drop:
	case <-timer.C:
		s.log.Debug("link teardown was not acknowledged",
			"device", s.device.UniqueID())
	case <-ctx.Done():
	}
}

// restartAdapter asks the monitor for a restart, tolerating failure; the
// next cycle retries through the barrier either way.
func (s *Supervisor) restartAdapter(ctx context.Context) {
	s.restarts.Add(1)
	s.emit(ctx, EventAdapterRestart, "")
	if err := s.restarter.Restart(ctx); err != nil {
		s.log.Error("adapter restart failed",
			"device", s.device.UniqueID(),
			"error", err)
	}
}

// Stats returns a snapshot of the lifecycle counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Cycles:          s.cycles.Load(),
		Connects:        s.connects.Load(),
		AdapterRestarts: s.restarts.Load(),
		Missing:         s.missing.Load(),
		Failures:        s.failures.Load(),
	}
}
