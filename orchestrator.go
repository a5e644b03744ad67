package emficampaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
)

// ErrStopped is returned by a run that was preempted by a stop request.
var ErrStopped = errors.New("stop requested")

type TrialOutcome string

const (
	OutcomeSuccess      TrialOutcome = "success"
	OutcomeFail         TrialOutcome = "fail"
	OutcomeAborted      TrialOutcome = "aborted"
	OutcomeResetRetried TrialOutcome = "reset_retried"
)

type RunState string

const (
	StateIdle             RunState = "idle"
	StatePositioning      RunState = "positioning"
	StateArming           RunState = "arming"
	StateTriggering       RunState = "triggering"
	StateAwaitingResponse RunState = "awaiting_response"
	StateEvaluating       RunState = "evaluating"
	StateFinished         RunState = "finished"
	StateStopped          RunState = "stopped"
)

// TrialPoint is one scheduled trial: where to put the probe and how to
// configure the pulse.
type TrialPoint struct {
	Position Coordinate
	Params   InjectorParams
}

// TrialRecord is the finalized result of one trial iteration. Every started
// trial is finalized exactly once; none is silently dropped.
type TrialRecord struct {
	Index      int
	Position   Coordinate
	Params     InjectorParams
	Outcome    TrialOutcome
	RetryCount int
	Timestamp  time.Time
}

// Classifier maps a designated response transmission to Success (a fault
// landed) or Fail (the target answered normally). Firmware specifics live in
// the classifier, not in the orchestrator.
type Classifier func(Transmission) TrialOutcome

// ErrorPolicy decides whether the run advances past a trial aborted by a
// hardware command failure. Returning false halts the run.
type ErrorPolicy func(rec TrialRecord, err error) bool

// OrchestratorConfig carries the experiment-level knobs. Zero values fall
// back to lab defaults.
type OrchestratorConfig struct {
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	RetryBudget     int
	ErrorPolicy     ErrorPolicy
	OnTrial         func(TrialRecord)
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.ErrorPolicy == nil {
		c.ErrorPolicy = func(TrialRecord, error) bool { return false }
	}
}

type awaitCause int

const (
	awaitResponded awaitCause = iota
	awaitReset
	awaitStopped
)

type trialResponse struct {
	outcome TrialOutcome
}

// ExperimentOrchestrator drives the trial state machine: position, arm,
// trigger, await, classify, advance or retry. All suspension points are
// bounded polls so a stop request is honored within one poll interval no
// matter what the hardware is doing.
type ExperimentOrchestrator struct {
	logger   logging.Logger
	axes     map[string]MotorAxis
	injector FaultInjector
	detector *ResetDetector
	stop     *StopFlag
	cfg      OrchestratorConfig

	responses chan trialResponse

	mu      sync.Mutex
	state   RunState
	plan    []TrialPoint
	index   int
	armed   bool
	records []TrialRecord
}

func NewExperimentOrchestrator(
	axes map[string]MotorAxis,
	injector FaultInjector,
	detector *ResetDetector,
	stop *StopFlag,
	plan []TrialPoint,
	cfg OrchestratorConfig,
	logger logging.Logger,
) *ExperimentOrchestrator {
	cfg.applyDefaults()
	return &ExperimentOrchestrator{
		logger:    logger,
		axes:      axes,
		injector:  injector,
		detector:  detector,
		stop:      stop,
		cfg:       cfg,
		plan:      plan,
		state:     StateIdle,
		responses: make(chan trialResponse, 16),
	}
}

// ResponseHandler returns the handler to register for the designated response
// keyword. It classifies the transmission and feeds the orchestrator's
// awaiting-response transition through a bounded queue.
func (o *ExperimentOrchestrator) ResponseHandler(classify Classifier) Handler {
	return func(t Transmission) {
		select {
		case o.responses <- trialResponse{outcome: classify(t)}:
		default:
			o.logger.Warnf("dropping response for keyword %q, no trial awaiting it", t.Keyword)
		}
	}
}

// Run executes the whole trial plan. It returns nil on completion, ErrStopped
// if preempted, or the hardware error that halted the run.
func (o *ExperimentOrchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already ran (state %s), a fresh run requires a new orchestrator", o.state)
	}
	o.mu.Unlock()

	for i, pt := range o.plan {
		o.setIndex(i)
		rec := TrialRecord{
			Index:     i,
			Position:  pt.Position,
			Params:    pt.Params,
			Timestamp: time.Now(),
		}
		err := o.runTrial(ctx, &rec)
		o.finalize(rec)

		switch {
		case errors.Is(err, ErrStopped):
			o.enterStopped(ctx)
			return ErrStopped
		case err != nil:
			o.logger.Errorf("trial %d aborted by hardware error: %v", i, err)
			if !o.cfg.ErrorPolicy(rec, err) {
				o.disarmQuiet(ctx)
				o.setState(StateFinished)
				return err
			}
		}
	}

	o.disarmQuiet(ctx)
	o.setState(StateFinished)
	o.logger.Infof("campaign finished: %d trials", len(o.plan))
	return nil
}

func (o *ExperimentOrchestrator) runTrial(ctx context.Context, rec *TrialRecord) error {
	if o.stopRequested(ctx) {
		rec.Outcome = OutcomeAborted
		return ErrStopped
	}

	o.setState(StatePositioning)
	if err := o.position(ctx, rec.Position); err != nil {
		return o.abortTrial(ctx, rec, err)
	}

	o.detector.Acknowledge()
	for attempt := 0; ; attempt++ {
		if o.stopRequested(ctx) {
			rec.Outcome = OutcomeAborted
			return ErrStopped
		}

		o.setState(StateArming)
		if err := o.await(ctx, func(c context.Context) error {
			return o.injector.Arm(c, rec.Params)
		}); err != nil {
			if errors.Is(err, ErrStopped) {
				rec.Outcome = OutcomeAborted
				return ErrStopped
			}
			return o.abortTrial(ctx, rec, fmt.Errorf("arm: %w", err))
		}
		o.setArmed(true)

		// Once a stop is observed, no trigger may be issued.
		if o.stopRequested(ctx) {
			rec.Outcome = OutcomeAborted
			return ErrStopped
		}

		o.setState(StateTriggering)
		o.drainResponses()
		if err := o.await(ctx, o.injector.Trigger); err != nil {
			if errors.Is(err, ErrStopped) {
				rec.Outcome = OutcomeAborted
				return ErrStopped
			}
			return o.abortTrial(ctx, rec, fmt.Errorf("trigger: %w", err))
		}
		o.detector.ExpectResponse(time.Now())

		o.setState(StateAwaitingResponse)
		outcome, cause := o.awaitResponse(ctx)

		o.setState(StateEvaluating)
		o.detector.ClearExpectation()
		if err := o.injector.Disarm(ctx); err != nil {
			o.setArmed(false)
			return o.abortTrial(ctx, rec, fmt.Errorf("disarm: %w", err))
		}
		o.setArmed(false)

		switch cause {
		case awaitStopped:
			rec.Outcome = OutcomeAborted
			return ErrStopped
		case awaitReset:
			o.detector.Acknowledge()
			if attempt < o.cfg.RetryBudget {
				rec.RetryCount++
				o.logger.Infof("trial %d: target reset detected, retrying (%d/%d)",
					rec.Index, rec.RetryCount, o.cfg.RetryBudget)
				continue
			}
			o.logger.Warnf("trial %d: retry budget exhausted after %d attempts", rec.Index, attempt+1)
			rec.Outcome = OutcomeResetRetried
			return nil
		default:
			rec.Outcome = outcome
			return nil
		}
	}
}

// position moves each stage axis to its coordinate. The move is commanded
// before any trigger at that position fires; a trigger never races a move.
func (o *ExperimentOrchestrator) position(ctx context.Context, pos Coordinate) error {
	targets := []struct {
		name string
		mm   float64
	}{{"X", pos.X}, {"Y", pos.Y}, {"Z", pos.Z}}

	for _, target := range targets {
		axis, ok := o.axes[target.name]
		if !ok {
			continue
		}
		mm := target.mm
		if err := o.await(ctx, func(c context.Context) error {
			return axis.Move(c, mm)
		}); err != nil {
			if errors.Is(err, ErrStopped) {
				return ErrStopped
			}
			return fmt.Errorf("moving %s axis to %.3fmm: %w", target.name, mm, err)
		}
	}
	return nil
}

// await runs one hardware command while re-checking the stop flag every poll
// interval. On stop it cancels the command's context and returns immediately
// rather than waiting out a slow hardware call; the emergency path owns the
// hardware from that moment.
func (o *ExperimentOrchestrator) await(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil && o.stopRequested(ctx) {
				return ErrStopped
			}
			return err
		case <-ticker.C:
			if o.stopRequested(ctx) {
				cancel()
				return ErrStopped
			}
		}
	}
}

func (o *ExperimentOrchestrator) awaitResponse(ctx context.Context) (TrialOutcome, awaitCause) {
	deadline := time.Now().Add(o.cfg.ResponseTimeout)
	for {
		select {
		case resp := <-o.responses:
			return resp.outcome, awaitResponded
		case <-time.After(o.cfg.PollInterval):
			if o.stopRequested(ctx) {
				return OutcomeAborted, awaitStopped
			}
			now := time.Now()
			if o.detector.ResetSignaled(now) || now.After(deadline) {
				return OutcomeAborted, awaitReset
			}
		}
	}
}

func (o *ExperimentOrchestrator) drainResponses() {
	for {
		select {
		case <-o.responses:
		default:
			return
		}
	}
}

// abortTrial finalizes a hardware-failed trial as Aborted and makes sure the
// injector is down before surfacing the error.
func (o *ExperimentOrchestrator) abortTrial(ctx context.Context, rec *TrialRecord, err error) error {
	rec.Outcome = OutcomeAborted
	o.disarmQuiet(ctx)
	return err
}

// enterStopped performs the terminal stop transition: disarm, halt all axes,
// no further transitions. The supervisor may already have issued the same
// calls; both paths are idempotent and safe to overlap.
func (o *ExperimentOrchestrator) enterStopped(ctx context.Context) {
	o.setState(StateStopped)
	o.disarmQuiet(ctx)
	for name, axis := range o.axes {
		if err := axis.Stop(ctx); err != nil {
			o.logger.Errorf("halting %s axis during stop: %v", name, err)
		}
	}
	o.logger.Infof("run stopped")
}

func (o *ExperimentOrchestrator) disarmQuiet(ctx context.Context) {
	if err := o.injector.Disarm(ctx); err != nil {
		o.logger.Errorf("disarming injector: %v", err)
	}
	o.setArmed(false)
}

func (o *ExperimentOrchestrator) finalize(rec TrialRecord) {
	o.mu.Lock()
	o.records = append(o.records, rec)
	o.mu.Unlock()
	if o.cfg.OnTrial != nil {
		o.cfg.OnTrial(rec)
	}
}

func (o *ExperimentOrchestrator) stopRequested(ctx context.Context) bool {
	return o.stop.Requested() || ctx.Err() != nil
}

func (o *ExperimentOrchestrator) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *ExperimentOrchestrator) setArmed(armed bool) {
	o.mu.Lock()
	o.armed = armed
	o.mu.Unlock()
}

func (o *ExperimentOrchestrator) setIndex(i int) {
	o.mu.Lock()
	o.index = i
	o.mu.Unlock()
}

// State returns the current machine state.
func (o *ExperimentOrchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Records returns the finalized trial records so far.
func (o *ExperimentOrchestrator) Records() []TrialRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TrialRecord, len(o.records))
	copy(out, o.records)
	return out
}

// GetState snapshots run progress for status readouts.
func (o *ExperimentOrchestrator) GetState() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	counts := map[string]int{}
	for _, rec := range o.records {
		counts[string(rec.Outcome)]++
	}
	return map[string]interface{}{
		"state":          string(o.state),
		"current_index":  o.index,
		"total_trials":   len(o.plan),
		"finalized":      len(o.records),
		"armed":          o.armed,
		"stop_requested": o.stop.Requested(),
		"outcomes":       counts,
	}
}
