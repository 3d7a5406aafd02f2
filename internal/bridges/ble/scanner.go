package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Scanner timing defaults.
const (
	// DefaultScanWindow is how long each scan cycle listens.
	DefaultScanWindow = 3 * time.Second

	// DefaultScanPause is the gap between cycles. Dial attempts need the
	// radio, so scanning runs in bursts rather than continuously.
	DefaultScanPause = 1 * time.Second

	// DefaultEmptyScanLimit is how many consecutive empty cycles indicate
	// a wedged adapter. A busy radio environment never goes this long
	// without a single advertisement.
	DefaultEmptyScanLimit = 10
)

// Radio is the scanning surface of the host stack.
type Radio interface {
	Scan(ctx context.Context, handler func(Advertisement)) error
}

// ScannerConfig holds scan cycle timing. Zero values select the defaults.
type ScannerConfig struct {
	// Window is how long each cycle listens.
	Window time.Duration

	// Pause is the idle gap between cycles.
	Pause time.Duration

	// EmptyScanLimit is how many consecutive empty cycles trigger an
	// adapter restart.
	EmptyScanLimit int
}

func (c *ScannerConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultScanWindow
	}
	if c.Pause <= 0 {
		c.Pause = DefaultScanPause
	}
	if c.EmptyScanLimit <= 0 {
		c.EmptyScanLimit = DefaultEmptyScanLimit
	}
}

// ScannerStats holds scanner counters.
type ScannerStats struct {
	// Cycles is the number of completed scan cycles.
	Cycles uint64

	// Sightings is the number of advertisements delivered.
	Sightings uint64

	// EmptyStreak is the current run of consecutive empty cycles.
	EmptyStreak uint64

	// AdapterRestarts is how many times the empty-cycle limit was hit.
	AdapterRestarts uint64
}

// Scanner listens for advertisements in discrete cycles and fans every
// sighting out through the handler. Cycles that hear nothing are counted;
// too many in a row means the adapter has wedged, and the scanner restarts
// it before carrying on.
//
// Scanning runs in bursts so connection attempts get the radio in between.
type Scanner struct {
	radio     Radio
	restarter AdapterRestarter
	handler   func(Advertisement)
	cfg       ScannerConfig
	log       Logger

	cycles      atomic.Uint64
	sightings   atomic.Uint64
	emptyStreak atomic.Uint64
	restarts    atomic.Uint64
}

// NewScanner builds a scanner. The handler receives every advertisement
// heard, duplicates included, and must not block. The logger may be nil.
func NewScanner(radio Radio, restarter AdapterRestarter, handler func(Advertisement), cfg ScannerConfig, log Logger) *Scanner {
	if log == nil {
		log = noopLogger{}
	}
	cfg.applyDefaults()
	return &Scanner{
		radio:     radio,
		restarter: restarter,
		handler:   handler,
		cfg:       cfg,
		log:       log,
	}
}

// Run loops scan cycles until ctx ends. It always returns ctx's error.
func (s *Scanner) Run(ctx context.Context) error {
	empty := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if empty >= s.cfg.EmptyScanLimit {
			s.log.Warn("scan cycles keep coming back empty, restarting adapter",
				"empty_cycles", empty)
			s.restarts.Add(1)
			if err := s.restarter.Restart(ctx); err != nil {
				s.log.Error("adapter restart failed", "error", err)
			}
			empty = 0
			s.emptyStreak.Store(0)
		}

		seen := s.scanOnce(ctx)
		s.cycles.Add(1)
		if seen == 0 {
			empty++
		} else {
			empty = 0
		}
		s.emptyStreak.Store(uint64(empty))

		if err := sleepCtx(ctx, s.cfg.Pause); err != nil {
			return err
		}
	}
}

// scanOnce runs one scan window and returns how many distinct peripherals
// were heard. A failed cycle counts as empty.
func (s *Scanner) scanOnce(ctx context.Context) int {
	winCtx, cancel := context.WithTimeout(ctx, s.cfg.Window)
	defer cancel()

	var mu sync.Mutex
	addrs := make(map[string]struct{})

	err := s.radio.Scan(winCtx, func(adv Advertisement) {
		mu.Lock()
		addrs[adv.Address] = struct{}{}
		mu.Unlock()
		s.sightings.Add(1)
		s.handler(adv)
	})
	if err != nil {
		s.log.Warn("scan cycle failed", "error", err)
		return 0
	}

	mu.Lock()
	defer mu.Unlock()
	return len(addrs)
}

// Stats returns a snapshot of the scanner counters.
func (s *Scanner) Stats() ScannerStats {
	return ScannerStats{
		Cycles:          s.cycles.Load(),
		Sightings:       s.sightings.Load(),
		EmptyStreak:     s.emptyStreak.Load(),
		AdapterRestarts: s.restarts.Load(),
	}
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
