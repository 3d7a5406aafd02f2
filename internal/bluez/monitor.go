package bluez

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// Timings for the adapter restart sequence.
const (
	// defaultRestartWaitDelay is how long a caller sleeps when another
	// restart is already in flight before reporting success. Long enough
	// for the full sequence to finish on slow hardware.
	defaultRestartWaitDelay = 9 * time.Second

	// defaultServiceSettleDelay is the pause after restarting the
	// bluetooth service before the adapter is brought back up.
	defaultServiceSettleDelay = 3 * time.Second

	// defaultAdapterSettleDelay is the pause after the adapter comes up
	// before callers may touch the stack again.
	defaultAdapterSettleDelay = 5 * time.Second

	// defaultCommandTimeout bounds each external command. hciconfig on a
	// hung adapter can block indefinitely without this.
	defaultCommandTimeout = 10 * time.Second

	// barrierPollInterval is how often Barrier rechecks the restart
	// guard while waiting it out.
	barrierPollInterval = 100 * time.Millisecond
)

// initScripts are the service scripts tried, in order, when systemctl is
// not available. Distributions disagree on the unit name.
var initScripts = []string{
	"/etc/init.d/bluetooth",
	"/etc/init.d/bluetoothd",
}

// hardwareFaultSubstrings identify errors from the BLE stack that indicate
// the adapter or bluetoothd is wedged, not that one peripheral misbehaved.
// The D-Bus and org.bluez entries cover bluetoothd-level failures; the
// remainder cover raw HCI socket failures from the adapter itself.
var hardwareFaultSubstrings = []string{
	"org.freedesktop.DBus.Error.ServiceUnknown",
	"org.freedesktop.DBus.Error.NoReply",
	"org.freedesktop.DBus.Error.AccessDenied",
	"org.bluez.Error.Failed: Connection aborted",
	"org.bluez.Error.NotReady",
	"org.bluez.Error.InProgress",
	"no devices available",
	"network is down",
	"input/output error",
	"can't init hci",
}

// IsHardwareFault reports whether err looks like a Bluetooth stack fault
// that an adapter restart can plausibly fix.
//
// Classification is by substring match on the error text because the
// stack surfaces these failures as opaque strings from bluetoothd, D-Bus,
// and the HCI socket layer. A nil error is never a hardware fault.
func IsHardwareFault(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range hardwareFaultSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Logger defines the logging interface for the monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds settings for the Monitor. Zero values get defaults.
type Config struct {
	// Adapter is the HCI interface to manage, e.g. "hci0".
	Adapter string

	// RestartWaitDelay is how long Restart sleeps when another restart
	// is already running.
	RestartWaitDelay time.Duration

	// ServiceSettleDelay is the pause between the service restart and
	// bringing the adapter up.
	ServiceSettleDelay time.Duration

	// AdapterSettleDelay is the pause after the adapter comes up.
	AdapterSettleDelay time.Duration

	// CommandTimeout bounds each external command.
	CommandTimeout time.Duration
}

// Monitor owns the Bluetooth stack restart sequence for one adapter.
//
// Exactly one Monitor exists per process; every device supervisor and the
// scanner share it. The in-progress flag is the only mutable state shared
// across supervisors, so a hardware fault seen by ten devices at once
// still produces a single physical restart.
type Monitor struct {
	config Config
	logger Logger

	// restarting is the process-wide restart guard.
	restarting atomic.Bool

	// restartCount counts completed restart sequences.
	restartCount atomic.Int64

	// lastRestart holds the Unix time of the last completed restart.
	lastRestart atomic.Int64

	// runCommand executes one external command. Replaced in tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

// NewMonitor creates a monitor for the given adapter.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.RestartWaitDelay == 0 {
		cfg.RestartWaitDelay = defaultRestartWaitDelay
	}
	if cfg.ServiceSettleDelay == 0 {
		cfg.ServiceSettleDelay = defaultServiceSettleDelay
	}
	if cfg.AdapterSettleDelay == 0 {
		cfg.AdapterSettleDelay = defaultAdapterSettleDelay
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	m := &Monitor{
		config: cfg,
		logger: noopLogger{},
	}
	m.runCommand = m.execCommand
	return m
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// Adapter returns the managed adapter name.
func (m *Monitor) Adapter() string {
	return m.config.Adapter
}

// Restarting reports whether a restart sequence is currently running.
func (m *Monitor) Restarting() bool {
	return m.restarting.Load()
}

// Barrier blocks while a restart sequence is in flight, so callers do not
// touch the stack mid-restart. It returns immediately when no restart is
// running. The only error returned is context cancellation.
func (m *Monitor) Barrier(ctx context.Context) error {
	for m.restarting.Load() {
		if err := sleepCtx(ctx, barrierPollInterval); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Restart brings the Bluetooth stack down and back up.
//
// If another caller already holds the restart guard, Restart waits out a
// fixed delay and returns nil: the concurrent restart serves this caller
// too, and by the time the delay elapses the stack is usable again.
//
// Otherwise the full sequence runs: adapter down, service restart,
// settle, adapter up, settle. Individual command failures are logged and
// the sequence continues, because a half-dead stack often fails the down
// step yet recovers from the service restart. The only error returned is
// context cancellation.
func (m *Monitor) Restart(ctx context.Context) error {
	if !m.restarting.CompareAndSwap(false, true) {
		m.logger.Debug("bluetooth restart already in progress, waiting it out",
			"wait", m.config.RestartWaitDelay,
		)
		return sleepCtx(ctx, m.config.RestartWaitDelay)
	}
	defer m.restarting.Store(false)

	adapter := m.config.Adapter
	m.logger.Warn("restarting bluetooth stack", "adapter", adapter)

	if err := m.runCommand(ctx, "hciconfig", adapter, "down"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("adapter down failed, continuing restart", "adapter", adapter, "error", err)
	}

	m.restartService(ctx)
	if err := sleepCtx(ctx, m.config.ServiceSettleDelay); err != nil {
		return err
	}

	if err := m.runCommand(ctx, "hciconfig", adapter, "up"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("adapter up failed", "adapter", adapter, "error", err)
	}

	if err := sleepCtx(ctx, m.config.AdapterSettleDelay); err != nil {
		return err
	}

	m.restartCount.Add(1)
	m.lastRestart.Store(time.Now().Unix())
	m.logger.Warn("bluetooth stack restart finished", "adapter", adapter)
	return nil
}

// restartService restarts the bluetooth service. systemctl is tried
// first; on images without systemd the init.d scripts are tried in order.
// Failures are logged, not returned, for the same reason as in Restart.
func (m *Monitor) restartService(ctx context.Context) {
	if _, err := exec.LookPath("systemctl"); err == nil {
		if err := m.runCommand(ctx, "systemctl", "restart", "bluetooth"); err == nil {
			return
		} else if ctx.Err() != nil {
			return
		} else {
			m.logger.Warn("systemctl restart bluetooth failed, trying init scripts", "error", err)
		}
	}

	for _, script := range initScripts {
		if _, err := os.Stat(script); err != nil {
			continue
		}
		if err := m.runCommand(ctx, script, "restart"); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("init script restart failed", "script", script, "error", err)
			continue
		}
		return
	}

	m.logger.Error("no working bluetooth service restart mechanism found")
}

// execCommand runs one external command with the configured timeout.
func (m *Monitor) execCommand(ctx context.Context, name string, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %v", name, m.config.CommandTimeout)
		}
		return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Stats holds counters about the monitor.
type Stats struct {
	Adapter     string    `json:"adapter"`
	Restarts    int64     `json:"restarts"`
	InProgress  bool      `json:"in_progress"`
	LastRestart time.Time `json:"last_restart,omitempty"`
}

// Stats returns current restart statistics.
func (m *Monitor) Stats() Stats {
	s := Stats{
		Adapter:    m.config.Adapter,
		Restarts:   m.restartCount.Load(),
		InProgress: m.restarting.Load(),
	}
	if ts := m.lastRestart.Load(); ts > 0 {
		s.LastRestart = time.Unix(ts, 0)
	}
	return s
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
