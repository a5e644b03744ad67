// Command emfirun drives a fault-injection campaign from the bench, without a
// viam-server deployment: simulated hardware by default, or a real serial
// target with --port. The terminal is put in raw mode so a double press of
// the stop key trips the emergency stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"emficampaign"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "emfirun",
	Short: "Run an EMFI trial campaign against a target",
	Long: `emfirun executes a fault-injection campaign described by a YAML campaign
file: it scans the probe across the configured grid, arms and triggers the
injector at each point, and classifies the target's serial responses.

With --sim the whole rig (stage, injector, target) is simulated.`,
	RunE: runCampaign,
}

func init() {
	rootCmd.Flags().String("campaign", "campaign.yaml", "Path to the campaign YAML file")
	rootCmd.Flags().Bool("sim", false, "Use the simulated bench instead of real hardware")
	rootCmd.Flags().Bool("no-keys", false, "Disable the raw-terminal emergency-stop key feed")
}

func runCampaign(cmd *cobra.Command, args []string) error {
	campaignPath, _ := cmd.Flags().GetString("campaign")
	sim, _ := cmd.Flags().GetBool("sim")
	noKeys, _ := cmd.Flags().GetBool("no-keys")

	logger := logging.NewLogger("emfirun")

	campaign, err := emficampaign.LoadCampaignConfig(campaignPath)
	if err != nil {
		return err
	}
	if !sim && campaign.Serial.Path == "" {
		return fmt.Errorf("campaign has no serial.path; pass --sim for a simulated target")
	}

	stop := &emficampaign.StopFlag{}
	parser := emficampaign.NewTransmissionParser(logger)
	router := emficampaign.NewMessageRouter(logger)
	detector := emficampaign.NewResetDetector(campaign.BannerKeyword, campaign.ResponseTimeout())

	// The bench runner always uses the simulated stage and injector; real
	// actuation hardware is only reachable through the viam module. Without
	// --sim the target side is the real serial link.
	bench := emficampaign.NewSimBench(campaign.ResponseKeyword, campaign.BannerKeyword, campaign.ReferenceSignatureBytes())
	axes := bench.Axes
	injector := bench.Injector
	var ingest *emficampaign.SerialIngest

	plan := campaign.Plan()
	orch := emficampaign.NewExperimentOrchestrator(axes, injector, detector, stop, plan, emficampaign.OrchestratorConfig{
		ResponseTimeout: campaign.ResponseTimeout(),
		PollInterval:    campaign.PollInterval(),
		RetryBudget:     campaign.RetryBudget,
	}, logger)

	if err := router.Register(campaign.ResponseKeyword, orch.ResponseHandler(campaign.Classifier())); err != nil {
		return err
	}

	if sim {
		ingest = emficampaign.NewSerialIngest(bench.Target, parser, router, detector, logger)
	} else {
		ingest, err = emficampaign.OpenSerialIngest(campaign.Serial.Path, campaign.Serial.BaudRate, parser, router, detector, logger)
		if err != nil {
			return err
		}
	}

	supervisor := emficampaign.NewSafetySupervisor(axes, injector, stop, campaign.StopKey, campaign.Debounce(), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ingest.Run(ctx); err != nil {
			logger.Errorf("serial ingestion stopped: %v", err)
		}
	}()

	if !noKeys && term.IsTerminal(int(os.Stdin.Fd())) {
		restore, keys, err := rawKeyFeed()
		if err != nil {
			logger.Warnf("raw key feed unavailable: %v", err)
		} else {
			defer restore()
			go supervisor.Watch(ctx, keys)
			logger.Infof("emergency stop armed: press %q twice within %v", campaign.StopKey, campaign.Debounce())
		}
	}

	runErr := orch.Run(ctx)
	cancel()

	printSummary(orch.Records())
	if runErr != nil && !errors.Is(runErr, emficampaign.ErrStopped) {
		return runErr
	}
	if errors.Is(runErr, emficampaign.ErrStopped) {
		fmt.Println("run stopped before completion")
	}
	return nil
}

// rawKeyFeed puts stdin into raw mode and emits one KeyEvent per byte read.
func rawKeyFeed() (restore func(), keys <-chan emficampaign.KeyEvent, err error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan emficampaign.KeyEvent, 8)
	go func() {
		defer close(ch)
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				ch <- emficampaign.KeyEvent{Key: string(buf[:1]), Time: time.Now()}
			}
		}
	}()

	return func() { _ = term.Restore(fd, oldState) }, ch, nil
}

func printSummary(records []emficampaign.TrialRecord) {
	counts := map[emficampaign.TrialOutcome]int{}
	for _, rec := range records {
		counts[rec.Outcome]++
	}
	fmt.Printf("\ntrials finalized: %d\n", len(records))
	fmt.Printf("  faults confirmed: %d\n", counts[emficampaign.OutcomeSuccess])
	fmt.Printf("  valid responses:  %d\n", counts[emficampaign.OutcomeFail])
	fmt.Printf("  reset/retried:    %d\n", counts[emficampaign.OutcomeResetRetried])
	fmt.Printf("  aborted:          %d\n", counts[emficampaign.OutcomeAborted])
	for _, rec := range records {
		if rec.Outcome == emficampaign.OutcomeSuccess {
			fmt.Printf("  fault at X=%.3f Y=%.3f Z=%.3f (%.0fV, retries %d)\n",
				rec.Position.X, rec.Position.Y, rec.Position.Z, rec.Params.Voltage, rec.RetryCount)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
