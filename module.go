package emficampaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	genericcomp "go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Controller = resource.NewModel("seclab", "emfi-campaign", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newCampaignController,
		},
	)
}

type Config struct {
	MotorX   string `json:"motor_x"`
	MotorY   string `json:"motor_y"`
	MotorZ   string `json:"motor_z"`
	Injector string `json:"injector"`

	CampaignFile string `json:"campaign_file"`

	// UseSimHardware swaps the stage, injector, and target for deterministic
	// simulated backends; no hardware dependencies are required then.
	UseSimHardware bool `json:"use_sim_hardware,omitempty"`

	StageRPM float64 `json:"stage_rpm,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.CampaignFile == "" {
		return nil, nil, fmt.Errorf("%s: campaign_file is required", path)
	}
	if cfg.UseSimHardware {
		return nil, nil, nil
	}
	if cfg.MotorX == "" || cfg.MotorY == "" || cfg.MotorZ == "" {
		return nil, nil, fmt.Errorf("%s: motor_x, motor_y and motor_z are required", path)
	}
	if cfg.Injector == "" {
		return nil, nil, fmt.Errorf("%s: injector is required", path)
	}
	return []string{cfg.MotorX, cfg.MotorY, cfg.MotorZ, cfg.Injector}, nil, nil
}

// campaignRun bundles everything that lives for exactly one run.
type campaignRun struct {
	stop       *StopFlag
	orch       *ExperimentOrchestrator
	supervisor *SafetySupervisor
	cancel     func()
	done       chan struct{}
	err        error
}

type campaignController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	campaign *CampaignConfig
	axes     map[string]MotorAxis
	injector FaultInjector
	bench    *SimBench

	mu  sync.Mutex
	run *campaignRun
}

func newCampaignController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	campaign, err := LoadCampaignConfig(conf.CampaignFile)
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}

	c := &campaignController{
		name:     name,
		logger:   logger,
		cfg:      conf,
		campaign: campaign,
	}

	if conf.UseSimHardware {
		c.bench = NewSimBench(campaign.ResponseKeyword, campaign.BannerKeyword, campaign.ReferenceSignatureBytes())
		c.axes = c.bench.Axes
		c.injector = c.bench.Injector
		logger.Infof("campaign controller using simulated bench (use_sim_hardware=true)")
		return c, nil
	}

	axes := map[string]MotorAxis{}
	for axisName, motorName := range map[string]string{"X": conf.MotorX, "Y": conf.MotorY, "Z": conf.MotorZ} {
		m, err := motor.FromDependencies(deps, motorName)
		if err != nil {
			return nil, fmt.Errorf("getting %s axis motor: %w", axisName, err)
		}
		axes[axisName] = NewViamMotorAxis(m, conf.StageRPM)
	}

	injectorRes, err := genericcomp.FromDependencies(deps, conf.Injector)
	if err != nil {
		return nil, fmt.Errorf("getting injector: %w", err)
	}

	c.axes = axes
	c.injector = NewViamInjector(injectorRes)
	return c, nil
}

func (c *campaignController) Name() resource.Name {
	return c.name
}

func (c *campaignController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return c.handleStart()
	case "stop":
		return c.handleStop()
	case "estop":
		return c.handleEStop()
	case "status":
		return c.GetState(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (c *campaignController) handleStart() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		select {
		case <-c.run.done:
		default:
			return nil, fmt.Errorf("a run is already in progress")
		}
	}

	stop := &StopFlag{}
	parser := NewTransmissionParser(c.logger)
	router := NewMessageRouter(c.logger)
	detector := NewResetDetector(c.campaign.BannerKeyword, c.campaign.ResponseTimeout())

	plan := c.campaign.Plan()
	orch := NewExperimentOrchestrator(c.axes, c.injector, detector, stop, plan, OrchestratorConfig{
		ResponseTimeout: c.campaign.ResponseTimeout(),
		PollInterval:    c.campaign.PollInterval(),
		RetryBudget:     c.campaign.RetryBudget,
	}, c.logger)

	if err := router.Register(c.campaign.ResponseKeyword, orch.ResponseHandler(c.campaign.Classifier())); err != nil {
		return nil, err
	}

	var ingest *SerialIngest
	if c.cfg.UseSimHardware {
		ingest = NewSerialIngest(c.bench.Target, parser, router, detector, c.logger)
	} else {
		var err error
		ingest, err = OpenSerialIngest(c.campaign.Serial.Path, c.campaign.Serial.BaudRate, parser, router, detector, c.logger)
		if err != nil {
			return nil, err
		}
	}

	supervisor := NewSafetySupervisor(c.axes, c.injector, stop, c.campaign.StopKey, c.campaign.Debounce(), nil, c.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &campaignRun{
		stop:       stop,
		orch:       orch,
		supervisor: supervisor,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go func() {
		if err := ingest.Run(runCtx); err != nil {
			c.logger.Errorf("serial ingestion stopped: %v", err)
		}
	}()
	go func() {
		defer close(run.done)
		defer cancel()
		run.err = orch.Run(runCtx)
	}()

	c.run = run
	c.logger.Infof("campaign started: %d trials scheduled", len(plan))
	return map[string]interface{}{
		"status":       "started",
		"total_trials": len(plan),
	}, nil
}

func (c *campaignController) handleStop() (map[string]interface{}, error) {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return nil, fmt.Errorf("no run in progress")
	}
	run.stop.Set()
	return map[string]interface{}{"status": "stop_requested"}, nil
}

func (c *campaignController) handleEStop() (map[string]interface{}, error) {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		// No run to preempt, but still drive the hardware down.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.injector.Disarm(ctx); err != nil {
			return nil, fmt.Errorf("emergency disarm failed: %w", err)
		}
		for _, axis := range c.axes {
			if err := axis.Stop(ctx); err != nil {
				return nil, fmt.Errorf("emergency axis stop failed: %w", err)
			}
		}
		return map[string]interface{}{"status": "estopped"}, nil
	}
	run.supervisor.Activate()
	return map[string]interface{}{"status": "estopped"}, nil
}

// GetState implements the state readout consumed by the campaign sensor.
func (c *campaignController) GetState() map[string]interface{} {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()

	if run == nil {
		return map[string]interface{}{"state": string(StateIdle)}
	}
	state := run.orch.GetState()
	select {
	case <-run.done:
		state["run_active"] = false
		if run.err != nil {
			state["run_error"] = run.err.Error()
		}
	default:
		state["run_active"] = true
	}
	return state
}

// Records returns the finalized trial records of the current or most recent
// run.
func (c *campaignController) Records() []TrialRecord {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return nil
	}
	return run.orch.Records()
}

func (c *campaignController) Close(ctx context.Context) error {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return nil
	}
	run.stop.Set()
	run.cancel()
	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		c.logger.Warnf("run did not wind down within 5s of close")
	}
	return nil
}
