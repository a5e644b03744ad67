package emficampaign

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var CampaignSensor = resource.NewModel("seclab", "emfi-campaign", "campaign-sensor")

func init() {
	resource.RegisterComponent(sensor.API, CampaignSensor,
		resource.Registration[sensor.Sensor, *CampaignSensorConfig]{
			Constructor: newCampaignSensor,
		},
	)
}

type CampaignSensorConfig struct {
	Controller string `json:"controller"`
}

func (cfg *CampaignSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	// The controller lives on the generic service API, so the dependency must
	// be declared under its full resource name.
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Controller)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
	Records() []TrialRecord
}

type campaignSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	controller stateProvider
}

func newCampaignSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*CampaignSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	controllerName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Controller)
	ctrl, ok := deps[controllerName]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}

	provider, ok := ctrl.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("controller %q does not implement GetState", conf.Controller)
	}

	return &campaignSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		controller: provider,
	}, nil
}

func (s *campaignSensor) Name() resource.Name {
	return s.name
}

// Readings flattens the controller state into scalar readings and adds the
// campaign-level results a dashboard wants at a glance: per-outcome trial
// counts and the position and pulse parameters of the last confirmed fault.
func (s *campaignSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.controller.GetState()
	readings := make(map[string]interface{}, len(state)+8)
	for k, v := range state {
		if k == "outcomes" {
			continue
		}
		readings[k] = v
	}
	if counts, ok := state["outcomes"].(map[string]int); ok {
		for outcome, n := range counts {
			readings["trials_"+outcome] = n
		}
	}

	faults := 0
	for _, rec := range s.controller.Records() {
		if rec.Outcome != OutcomeSuccess {
			continue
		}
		faults++
		readings["last_fault_x_mm"] = rec.Position.X
		readings["last_fault_y_mm"] = rec.Position.Y
		readings["last_fault_z_mm"] = rec.Position.Z
		readings["last_fault_voltage"] = rec.Params.Voltage
		readings["last_fault_retries"] = rec.RetryCount
	}
	readings["faults_found"] = faults
	return readings, nil
}

func (s *campaignSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on campaign-sensor")
}

func (s *campaignSensor) Close(context.Context) error {
	return nil
}
