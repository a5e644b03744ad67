package emficampaign

import (
	"context"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
)

// StopFlag is the shared cancellation flag between the SafetySupervisor (the
// only writer besides a graceful stop request) and the orchestrator (a
// read-only consumer at every suspension point).
type StopFlag struct {
	flag atomic.Bool
}

func (f *StopFlag) Set()            { f.flag.Store(true) }
func (f *StopFlag) Requested() bool { return f.flag.Load() }

// KeyEvent is one discrete key press from the collaborator-supplied feed.
type KeyEvent struct {
	Key  string
	Time time.Time
}

// defaultDebounce matches the lab tool's double-press window.
const defaultDebounce = time.Second

// SafetySupervisor watches the key-event feed for a debounced double press of
// the stop key. On activation it sets the shared stop flag and commands the
// hardware down directly from its own goroutine, bypassing the orchestrator's
// control path entirely: the safety path never waits on a lock the
// orchestrator might hold during a slow hardware call.
type SafetySupervisor struct {
	logger   logging.Logger
	stop     *StopFlag
	axes     map[string]MotorAxis
	injector FaultInjector
	stopKey  string
	debounce time.Duration

	// onFatal is invoked when an emergency disarm/stop itself fails; that is
	// never treated as recoverable.
	onFatal func(error)

	activated atomic.Bool
	lastPress time.Time
}

func NewSafetySupervisor(
	axes map[string]MotorAxis,
	injector FaultInjector,
	stop *StopFlag,
	stopKey string,
	debounce time.Duration,
	onFatal func(error),
	logger logging.Logger,
) *SafetySupervisor {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if onFatal == nil {
		onFatal = func(err error) { logger.Errorf("EMERGENCY STOP FAILED: %v", err) }
	}
	return &SafetySupervisor{
		logger:   logger,
		stop:     stop,
		axes:     axes,
		injector: injector,
		stopKey:  stopKey,
		debounce: debounce,
		onFatal:  onFatal,
	}
}

// Watch consumes the key-event feed until ctx is canceled or the feed closes.
// It runs for the lifetime of the program; there is no timeout-driven
// cancellation of the supervisor itself.
func (s *SafetySupervisor) Watch(ctx context.Context, keys <-chan KeyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-keys:
			if !ok {
				return
			}
			s.HandleKey(ev)
		}
	}
}

// HandleKey applies the debounce rule: two stop-key presses within the
// debounce window activate the emergency stop; a single press is ignored, and
// any other key clears the sequence.
func (s *SafetySupervisor) HandleKey(ev KeyEvent) {
	if ev.Key != s.stopKey {
		s.lastPress = time.Time{}
		return
	}
	when := ev.Time
	if when.IsZero() {
		when = time.Now()
	}
	if !s.lastPress.IsZero() && when.Sub(s.lastPress) < s.debounce {
		s.lastPress = time.Time{}
		s.Activate()
		return
	}
	s.lastPress = when
}

// Activate trips the emergency stop: flag first, then direct disarm and halt.
// Repeated activations re-confirm the disarm/stop commands and nothing else.
func (s *SafetySupervisor) Activate() {
	s.stop.Set()
	if s.activated.CompareAndSwap(false, true) {
		s.logger.Errorf("EMERGENCY STOP: halting all actuation and disarming injector")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.injector.Disarm(ctx); err != nil {
		s.onFatal(err)
	}
	for name, axis := range s.axes {
		if err := axis.Stop(ctx); err != nil {
			s.logger.Errorf("failed to stop %s axis: %v", name, err)
			s.onFatal(err)
		} else {
			s.logger.Infof("stopped %s axis", name)
		}
	}
}

// Activated reports whether the emergency stop has tripped.
func (s *SafetySupervisor) Activated() bool {
	return s.activated.Load()
}
