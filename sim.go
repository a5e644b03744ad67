package emficampaign

import (
	"context"
	"sync"
	"time"
)

// Simulated bench hardware. Deterministic stand-ins for the probe stage, the
// injector, and the target's serial side, so campaigns can run end to end
// with no lab hardware attached.

// SimAxis is a simulated stage axis. Moves take a fixed wall-clock duration
// and can be cut short by Stop at any time.
type SimAxis struct {
	moveDuration time.Duration

	mu        sync.Mutex
	position  float64
	target    float64
	halted    bool
	moveCalls int
	stopCalls int
}

func NewSimAxis(moveDuration time.Duration) *SimAxis {
	return &SimAxis{moveDuration: moveDuration}
}

func (a *SimAxis) Move(ctx context.Context, positionMm float64) error {
	a.mu.Lock()
	a.moveCalls++
	a.halted = false
	a.target = positionMm
	a.mu.Unlock()

	deadline := time.Now().Add(a.moveDuration)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
		a.mu.Lock()
		halted := a.halted
		a.mu.Unlock()
		if halted {
			return nil
		}
	}

	a.mu.Lock()
	a.position = positionMm
	a.mu.Unlock()
	return nil
}

func (a *SimAxis) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCalls++
	a.halted = true
	return nil
}

func (a *SimAxis) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

func (a *SimAxis) StopCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCalls
}

// SimInjector is a simulated fault injector. Error hooks let tests script
// hardware failures; OnTrigger lets a bench wire the trigger to the simulated
// target's response.
type SimInjector struct {
	ArmErr     error
	TriggerErr error
	DisarmErr  error
	OnTrigger  func(params InjectorParams)

	mu           sync.Mutex
	armed        bool
	params       InjectorParams
	armCalls     int
	triggerCalls int
	disarmCalls  int
}

func NewSimInjector() *SimInjector {
	return &SimInjector{}
}

func (inj *SimInjector) Arm(ctx context.Context, params InjectorParams) error {
	inj.mu.Lock()
	inj.armCalls++
	inj.mu.Unlock()
	if inj.ArmErr != nil {
		return inj.ArmErr
	}
	inj.mu.Lock()
	inj.armed = true
	inj.params = params
	inj.mu.Unlock()
	return nil
}

func (inj *SimInjector) Trigger(ctx context.Context) error {
	inj.mu.Lock()
	inj.triggerCalls++
	params := inj.params
	onTrigger := inj.OnTrigger
	inj.mu.Unlock()
	if inj.TriggerErr != nil {
		return inj.TriggerErr
	}
	if onTrigger != nil {
		onTrigger(params)
	}
	return nil
}

func (inj *SimInjector) Disarm(ctx context.Context) error {
	inj.mu.Lock()
	inj.disarmCalls++
	inj.armed = false
	inj.mu.Unlock()
	return inj.DisarmErr
}

func (inj *SimInjector) Armed() bool {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.armed
}

func (inj *SimInjector) Counts() (arms, triggers, disarms int) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.armCalls, inj.triggerCalls, inj.disarmCalls
}

// SimResponse scripts what the simulated target does after one trigger.
type SimResponse int

const (
	// SimRespondValid transmits the reference signature (no fault landed).
	SimRespondValid SimResponse = iota
	// SimRespondFaulted transmits a corrupted signature (fault landed).
	SimRespondFaulted
	// SimRespondGarbage transmits unframed noise followed by nothing.
	SimRespondGarbage
	// SimRespondReset transmits the boot banner, as a rebooting target would.
	SimRespondReset
	// SimRespondSilence transmits nothing at all.
	SimRespondSilence
)

// SimTarget emulates the target's serial side. It satisfies the same port
// interface the real serial link does, so the ingestion unit cannot tell them
// apart. Responses to triggers follow a script; past the script's end the
// target answers with the reference signature.
type SimTarget struct {
	responseKeyword string
	bannerKeyword   string
	refSignature    []byte
	responseDelay   time.Duration

	mu     sync.Mutex
	buf    []byte
	closed bool
	script []SimResponse
	wake   chan struct{}
}

func NewSimTarget(responseKeyword, bannerKeyword string, refSignature []byte, responseDelay time.Duration) *SimTarget {
	return &SimTarget{
		responseKeyword: responseKeyword,
		bannerKeyword:   bannerKeyword,
		refSignature:    append([]byte(nil), refSignature...),
		responseDelay:   responseDelay,
		wake:            make(chan struct{}, 1),
	}
}

// Script sets the per-trigger response sequence.
func (t *SimTarget) Script(responses ...SimResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append([]SimResponse(nil), responses...)
}

// HandleTrigger consumes the next scripted response. Wire it to
// SimInjector.OnTrigger.
func (t *SimTarget) HandleTrigger(params InjectorParams) {
	t.mu.Lock()
	resp := SimRespondValid
	if len(t.script) > 0 {
		resp = t.script[0]
		t.script = t.script[1:]
	}
	t.mu.Unlock()

	time.AfterFunc(t.responseDelay, func() {
		switch resp {
		case SimRespondValid:
			t.push(EncodeBinary(t.responseKeyword, t.refSignature))
		case SimRespondFaulted:
			faulted := append([]byte(nil), t.refSignature...)
			faulted[0] ^= 0xA5
			t.push(EncodeBinary(t.responseKeyword, faulted))
		case SimRespondGarbage:
			t.push([]byte("\xfe\x00\x13garbled output with no frame\r\n"))
		case SimRespondReset:
			t.push(EncodeText(t.bannerKeyword, "target boot v1.0"))
		case SimRespondSilence:
		}
	})
}

// EmitBanner queues a boot banner frame, as seen right after power-on.
func (t *SimTarget) EmitBanner() {
	t.push(EncodeText(t.bannerKeyword, "target boot v1.0"))
}

// Emit queues an arbitrary pre-framed transmission.
func (t *SimTarget) Emit(frame []byte) {
	t.push(frame)
}

func (t *SimTarget) push(data []byte) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.buf = append(t.buf, data...)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *SimTarget) ReadContext(ctx context.Context, p []byte) (int, error) {
	for {
		t.mu.Lock()
		if len(t.buf) > 0 {
			n := copy(p, t.buf)
			t.buf = t.buf[n:]
			t.mu.Unlock()
			return n, nil
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return 0, context.Canceled
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (t *SimTarget) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// SimBench bundles a full simulated rig: three stage axes, an injector, and a
// target whose responses are wired to the injector's trigger.
type SimBench struct {
	Axes     map[string]MotorAxis
	X, Y, Z  *SimAxis
	Injector *SimInjector
	Target   *SimTarget
}

func NewSimBench(responseKeyword, bannerKeyword string, refSignature []byte) *SimBench {
	x := NewSimAxis(20 * time.Millisecond)
	y := NewSimAxis(20 * time.Millisecond)
	z := NewSimAxis(20 * time.Millisecond)
	injector := NewSimInjector()
	target := NewSimTarget(responseKeyword, bannerKeyword, refSignature, 5*time.Millisecond)
	injector.OnTrigger = target.HandleTrigger
	return &SimBench{
		Axes:     map[string]MotorAxis{"X": x, "Y": y, "Z": z},
		X:        x,
		Y:        y,
		Z:        z,
		Injector: injector,
		Target:   target,
	}
}
