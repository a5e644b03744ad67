package emficampaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

func newSupervisorBench(t *testing.T, onFatal func(error)) (*SafetySupervisor, *orchBench) {
	bench := newOrchBench(time.Millisecond)
	sup := NewSafetySupervisor(bench.axes, bench.injector, bench.stop, "e", time.Second, onFatal, logging.NewTestLogger(t))
	return sup, bench
}

func TestSupervisorSinglePressIgnored(t *testing.T) {
	sup, bench := newSupervisorBench(t, nil)
	now := time.Now()

	sup.HandleKey(KeyEvent{Key: "e", Time: now})

	if sup.Activated() {
		t.Error("a single press must not activate the emergency stop")
	}
	if bench.stop.Requested() {
		t.Error("stop flag must not be set by a single press")
	}
	if _, _, disarms := bench.injector.Counts(); disarms != 0 {
		t.Errorf("disarm issued %d times, want 0", disarms)
	}
}

func TestSupervisorDoublePressActivates(t *testing.T) {
	sup, bench := newSupervisorBench(t, nil)
	now := time.Now()

	sup.HandleKey(KeyEvent{Key: "e", Time: now})
	sup.HandleKey(KeyEvent{Key: "e", Time: now.Add(200 * time.Millisecond)})

	if !sup.Activated() {
		t.Fatal("double press within the window must activate")
	}
	if !bench.stop.Requested() {
		t.Error("stop flag must be set before any hardware command")
	}
	if _, _, disarms := bench.injector.Counts(); disarms != 1 {
		t.Errorf("disarm issued %d times, want 1", disarms)
	}
	if bench.x.StopCalls() != 1 || bench.y.StopCalls() != 1 || bench.z.StopCalls() != 1 {
		t.Error("every axis must be halted on activation")
	}
}

func TestSupervisorWindowExpiry(t *testing.T) {
	sup, _ := newSupervisorBench(t, nil)
	now := time.Now()

	sup.HandleKey(KeyEvent{Key: "e", Time: now})
	sup.HandleKey(KeyEvent{Key: "e", Time: now.Add(2 * time.Second)})

	if sup.Activated() {
		t.Error("presses farther apart than the window must not activate")
	}

	// The late press restarts the sequence; one more within the window trips.
	sup.HandleKey(KeyEvent{Key: "e", Time: now.Add(2500 * time.Millisecond)})
	if !sup.Activated() {
		t.Error("press within the window of the restarted sequence must activate")
	}
}

func TestSupervisorOtherKeyClearsSequence(t *testing.T) {
	sup, _ := newSupervisorBench(t, nil)
	now := time.Now()

	sup.HandleKey(KeyEvent{Key: "e", Time: now})
	sup.HandleKey(KeyEvent{Key: "x", Time: now.Add(100 * time.Millisecond)})
	sup.HandleKey(KeyEvent{Key: "e", Time: now.Add(200 * time.Millisecond)})

	if sup.Activated() {
		t.Error("an interleaved non-stop key must clear the sequence")
	}
}

func TestSupervisorRepeatedActivation(t *testing.T) {
	sup, bench := newSupervisorBench(t, nil)

	sup.Activate()
	sup.Activate()

	if !sup.Activated() {
		t.Fatal("expected activation")
	}
	// Re-activation re-confirms the hardware-down commands.
	if _, _, disarms := bench.injector.Counts(); disarms != 2 {
		t.Errorf("disarm issued %d times, want 2", disarms)
	}
	if !bench.stop.Requested() {
		t.Error("stop flag must remain set")
	}
}

func TestSupervisorDisarmFailureIsFatal(t *testing.T) {
	var fatal error
	sup, bench := newSupervisorBench(t, func(err error) { fatal = err })
	disarmErr := errors.New("injector not responding")
	bench.injector.DisarmErr = disarmErr

	sup.Activate()

	if !errors.Is(fatal, disarmErr) {
		t.Errorf("onFatal got %v, want the disarm error", fatal)
	}
	if !bench.stop.Requested() {
		t.Error("stop flag must be set even when the disarm fails")
	}
	// Axes are still halted after a failed disarm.
	if bench.x.StopCalls() == 0 {
		t.Error("axes must still be halted after a failed disarm")
	}
}

func TestSupervisorWatch(t *testing.T) {
	sup, bench := newSupervisorBench(t, nil)

	keys := make(chan KeyEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Watch(context.Background(), keys)
	}()

	now := time.Now()
	keys <- KeyEvent{Key: "e", Time: now}
	keys <- KeyEvent{Key: "e", Time: now.Add(100 * time.Millisecond)}
	close(keys)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after the feed closed")
	}
	if !sup.Activated() {
		t.Error("double press through Watch must activate")
	}
	if !bench.stop.Requested() {
		t.Error("stop flag must be set")
	}
}

func TestSupervisorWatchContextCancel(t *testing.T) {
	sup, _ := newSupervisorBench(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	keys := make(chan KeyEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Watch(ctx, keys)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return on context cancellation")
	}
}
