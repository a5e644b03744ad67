package emficampaign

import (
	"os"
	"path/filepath"
	"testing"
)

func validCampaign() *CampaignConfig {
	cfg := &CampaignConfig{
		Grid: GridConfig{
			XMinMm:      0,
			XMaxMm:      2,
			YMinMm:      0,
			YMaxMm:      1,
			StepMm:      1,
			StandoffZMm: 5,
		},
		Injector: InjectorParams{Voltage: 400, PulseHighNs: 80, DeadTimeMs: 10},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestCampaignDefaults(t *testing.T) {
	cfg := validCampaign()
	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("baud rate = %d, want 115200", cfg.Serial.BaudRate)
	}
	if cfg.ResponseKeyword != "Signature" || cfg.BannerKeyword != "Boot" || cfg.StopKey != "e" {
		t.Errorf("keyword defaults = %q/%q/%q", cfg.ResponseKeyword, cfg.BannerKeyword, cfg.StopKey)
	}
	if cfg.ResponseTimeout().Milliseconds() != 3000 {
		t.Errorf("response timeout = %v", cfg.ResponseTimeout())
	}
	if cfg.PollInterval().Milliseconds() != 50 {
		t.Errorf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.Debounce().Milliseconds() != 1000 {
		t.Errorf("debounce = %v", cfg.Debounce())
	}
}

func TestCampaignValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CampaignConfig)
	}{
		{"zero grid step", func(c *CampaignConfig) { c.Grid.StepMm = 0 }},
		{"x range inverted", func(c *CampaignConfig) { c.Grid.XMaxMm = -1 }},
		{"y range inverted", func(c *CampaignConfig) { c.Grid.YMaxMm = -1 }},
		{"zero voltage", func(c *CampaignConfig) { c.Injector.Voltage = 0 }},
		{"bad signature hex", func(c *CampaignConfig) { c.ReferenceSignature = "zz" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validCampaign()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := validCampaign().Validate(); err != nil {
		t.Errorf("valid campaign rejected: %v", err)
	}
}

func TestCampaignPlanBoustrophedon(t *testing.T) {
	cfg := validCampaign()
	plan := cfg.Plan()

	// 3 x positions, 2 y rows, one try each.
	if len(plan) != 6 {
		t.Fatalf("plan has %d trials, want 6", len(plan))
	}

	wantX := []float64{0, 1, 2, 2, 1, 0}
	wantY := []float64{0, 0, 0, 1, 1, 1}
	for i, pt := range plan {
		if pt.Position.X != wantX[i] || pt.Position.Y != wantY[i] {
			t.Errorf("trial %d at (%.0f,%.0f), want (%.0f,%.0f)",
				i, pt.Position.X, pt.Position.Y, wantX[i], wantY[i])
		}
		if pt.Position.Z != 5 {
			t.Errorf("trial %d Z = %.1f, want standoff 5", i, pt.Position.Z)
		}
	}
}

func TestCampaignPlanVariationSchedule(t *testing.T) {
	cfg := validCampaign()
	cfg.Grid.XMaxMm = 0
	cfg.Grid.YMaxMm = 0
	cfg.TriesPerPosition = 3
	cfg.Vary = VaryConfig{VoltageDelta: 50, PulseHighNsStep: 20}

	plan := cfg.Plan()
	if len(plan) != 3 {
		t.Fatalf("plan has %d trials, want 3", len(plan))
	}
	if plan[0].Params.Voltage != 400 || plan[0].Params.PulseHighNs != 80 {
		t.Errorf("try 0 params = %+v, want base", plan[0].Params)
	}
	if plan[1].Params.Voltage != 450 || plan[1].Params.PulseHighNs != 100 {
		t.Errorf("try 1 params = %+v, want nudged up", plan[1].Params)
	}
	if plan[2].Params.Voltage != 350 || plan[2].Params.PulseHighNs != 60 {
		t.Errorf("try 2 params = %+v, want nudged down", plan[2].Params)
	}
}

func TestLoadCampaignConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	content := `
serial:
  path: /dev/ttyUSB0
grid:
  x_min_mm: 1.0
  x_max_mm: 2.0
  y_min_mm: 0.5
  y_max_mm: 1.5
  step_mm: 0.5
  standoff_z_mm: 4.0
injector:
  voltage: 450
  pulse_high_ns: 120
  dead_time_ms: 15
tries_per_position: 2
retry_budget: 3
reference_signature: a1b2c3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadCampaignConfig(path)
	if err != nil {
		t.Fatalf("LoadCampaignConfig failed: %v", err)
	}
	if cfg.Serial.Path != "/dev/ttyUSB0" || cfg.Serial.BaudRate != 115200 {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Injector.Voltage != 450 || cfg.Injector.PulseHighNs != 120 {
		t.Errorf("injector = %+v", cfg.Injector)
	}
	if cfg.RetryBudget != 3 || cfg.TriesPerPosition != 2 {
		t.Errorf("retry_budget=%d tries=%d", cfg.RetryBudget, cfg.TriesPerPosition)
	}
	if got := cfg.ReferenceSignatureBytes(); len(got) != 3 || got[0] != 0xA1 {
		t.Errorf("reference signature = %x", got)
	}
	// 3 x positions, 3 y rows, 2 tries each.
	if plan := cfg.Plan(); len(plan) != 18 {
		t.Errorf("plan has %d trials, want 18", len(plan))
	}
}

func TestLoadCampaignConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCampaignConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "campaign.yaml")
		os.WriteFile(path, []byte("grid: ["), 0o644)
		if _, err := LoadCampaignConfig(path); err == nil {
			t.Error("expected error for invalid yaml")
		}
	})

	t.Run("fails validation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "campaign.yaml")
		os.WriteFile(path, []byte("grid:\n  step_mm: 0\n"), 0o644)
		if _, err := LoadCampaignConfig(path); err == nil {
			t.Error("expected error for invalid campaign")
		}
	})
}

func TestCampaignClassifier(t *testing.T) {
	cfg := validCampaign()
	cfg.ReferenceSignature = "a1b2c3"
	classify := cfg.Classifier()

	t.Run("matching binary payload is a normal response", func(t *testing.T) {
		got := classify(Transmission{Kind: MessageBinary, Binary: []byte{0xA1, 0xB2, 0xC3}})
		if got != OutcomeFail {
			t.Errorf("outcome = %s, want fail", got)
		}
	})

	t.Run("differing binary payload is a fault", func(t *testing.T) {
		got := classify(Transmission{Kind: MessageBinary, Binary: []byte{0xA1, 0xB2, 0x00}})
		if got != OutcomeSuccess {
			t.Errorf("outcome = %s, want success", got)
		}
	})

	t.Run("matching hex text is a normal response", func(t *testing.T) {
		got := classify(Transmission{Kind: MessageText, Text: "a1b2c3"})
		if got != OutcomeFail {
			t.Errorf("outcome = %s, want fail", got)
		}
	})

	t.Run("undecodable text is a fault", func(t *testing.T) {
		got := classify(Transmission{Kind: MessageText, Text: "not hex"})
		if got != OutcomeSuccess {
			t.Errorf("outcome = %s, want success", got)
		}
	})
}
