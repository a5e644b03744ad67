package emficampaign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GridConfig describes the scan area over the target die. The grid expands
// into a boustrophedon coordinate sequence: left to right on one row, right
// to left on the next, Z held at the probe standoff.
type GridConfig struct {
	XMinMm      float64 `yaml:"x_min_mm"`
	XMaxMm      float64 `yaml:"x_max_mm"`
	YMinMm      float64 `yaml:"y_min_mm"`
	YMaxMm      float64 `yaml:"y_max_mm"`
	StepMm      float64 `yaml:"step_mm"`
	StandoffZMm float64 `yaml:"standoff_z_mm"`
}

// VaryConfig varies pulse parameters across the tries at one position, the
// way the lab sweeps voltage and high-time without moving the probe.
type VaryConfig struct {
	VoltageDelta    float64 `yaml:"voltage_delta"`
	PulseHighNsStep int     `yaml:"pulse_high_ns_step"`
}

// CampaignConfig is the experiment configuration, loadable from YAML.
type CampaignConfig struct {
	Serial struct {
		Path     string `yaml:"path"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"serial"`

	Grid     GridConfig     `yaml:"grid"`
	Injector InjectorParams `yaml:"injector"`
	Vary     VaryConfig     `yaml:"vary"`

	TriesPerPosition  int `yaml:"tries_per_position"`
	RetryBudget       int `yaml:"retry_budget"`
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`
	PollIntervalMs    int `yaml:"poll_interval_ms"`
	DebounceMs        int `yaml:"debounce_ms"`

	ResponseKeyword string `yaml:"response_keyword"`
	BannerKeyword   string `yaml:"banner_keyword"`
	StopKey         string `yaml:"stop_key"`

	// ReferenceSignature is the hex-encoded known-good response payload; a
	// trial whose response differs is a confirmed fault.
	ReferenceSignature string `yaml:"reference_signature"`
}

// LoadCampaignConfig reads and validates a YAML campaign file.
func LoadCampaignConfig(path string) (*CampaignConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading campaign file: %w", err)
	}
	var cfg CampaignConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing campaign file %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("campaign file %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *CampaignConfig) ApplyDefaults() {
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.TriesPerPosition <= 0 {
		c.TriesPerPosition = 1
	}
	if c.ResponseTimeoutMs <= 0 {
		c.ResponseTimeoutMs = 3000
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 50
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = 1000
	}
	if c.ResponseKeyword == "" {
		c.ResponseKeyword = "Signature"
	}
	if c.BannerKeyword == "" {
		c.BannerKeyword = "Boot"
	}
	if c.StopKey == "" {
		c.StopKey = "e"
	}
}

func (c *CampaignConfig) Validate() error {
	if c.Grid.StepMm <= 0 {
		return fmt.Errorf("grid step_mm must be > 0")
	}
	if c.Grid.XMaxMm < c.Grid.XMinMm {
		return fmt.Errorf("grid x_max_mm (%.3f) must be >= x_min_mm (%.3f)", c.Grid.XMaxMm, c.Grid.XMinMm)
	}
	if c.Grid.YMaxMm < c.Grid.YMinMm {
		return fmt.Errorf("grid y_max_mm (%.3f) must be >= y_min_mm (%.3f)", c.Grid.YMaxMm, c.Grid.YMinMm)
	}
	if c.Injector.Voltage <= 0 {
		return fmt.Errorf("injector voltage must be > 0")
	}
	if c.ReferenceSignature != "" {
		if _, err := hex.DecodeString(c.ReferenceSignature); err != nil {
			return fmt.Errorf("reference_signature is not valid hex: %w", err)
		}
	}
	return nil
}

func (c *CampaignConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

func (c *CampaignConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *CampaignConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// ReferenceSignatureBytes decodes the known-good payload.
func (c *CampaignConfig) ReferenceSignatureBytes() []byte {
	ref, err := hex.DecodeString(c.ReferenceSignature)
	if err != nil {
		return nil
	}
	return ref
}

// Plan expands the grid and per-position tries into the full trial sequence.
func (c *CampaignConfig) Plan() []TrialPoint {
	var plan []TrialPoint
	leftToRight := true
	for y := c.Grid.YMinMm; y <= c.Grid.YMaxMm+1e-9; y += c.Grid.StepMm {
		var xs []float64
		for x := c.Grid.XMinMm; x <= c.Grid.XMaxMm+1e-9; x += c.Grid.StepMm {
			xs = append(xs, x)
		}
		if !leftToRight {
			for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
				xs[i], xs[j] = xs[j], xs[i]
			}
		}
		leftToRight = !leftToRight

		for _, x := range xs {
			pos := Coordinate{X: x, Y: y, Z: c.Grid.StandoffZMm}
			for try := 0; try < c.TriesPerPosition; try++ {
				plan = append(plan, TrialPoint{
					Position: pos,
					Params:   c.paramsForTry(try),
				})
			}
		}
	}
	return plan
}

// paramsForTry applies the variation schedule: the first third of the tries
// at a position uses the base parameters, the second third nudges them up,
// the last third nudges them down.
func (c *CampaignConfig) paramsForTry(try int) InjectorParams {
	params := c.Injector
	if c.TriesPerPosition < 3 {
		return params
	}
	switch phase := try * 3 / c.TriesPerPosition; phase {
	case 1:
		params.Voltage += c.Vary.VoltageDelta
		params.PulseHighNs += c.Vary.PulseHighNsStep
	case 2:
		params.Voltage -= c.Vary.VoltageDelta
		if params.PulseHighNs > c.Vary.PulseHighNsStep {
			params.PulseHighNs -= c.Vary.PulseHighNsStep
		}
	}
	return params
}

// Classifier builds the response classifier: a response payload that differs
// from the reference signature means the fault landed.
func (c *CampaignConfig) Classifier() Classifier {
	ref := c.ReferenceSignatureBytes()
	return func(t Transmission) TrialOutcome {
		var payload []byte
		switch t.Kind {
		case MessageBinary:
			payload = t.Binary
		case MessageText:
			decoded, err := hex.DecodeString(t.Text)
			if err != nil {
				return OutcomeSuccess
			}
			payload = decoded
		default:
			return OutcomeSuccess
		}
		if bytes.Equal(payload, ref) {
			return OutcomeFail
		}
		return OutcomeSuccess
	}
}
