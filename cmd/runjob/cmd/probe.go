package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"upscaler/internal/bootstrap"
	"upscaler/internal/pkg/shutdown"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Wait until the backend answers",
	Long:  `Probe the backend with the configured readiness policy and report how many attempts it took.`,
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := shutdown.ExitOnSignal()
	defer stop()

	sm := shutdown.NewManager(log, cfg.HTTP.ShutdownTimeout)
	defer sm.Shutdown()

	rt, err := bootstrap.Setup(ctx, cfg, log, sm, bootstrap.Options{})
	if err != nil {
		return err
	}

	attempts, err := rt.Comfy.WaitReady(ctx, cfg.Comfy.Probe)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "backend %s ready after %d attempt(s)\n", rt.Comfy.BaseURL(), attempts)
	return nil
}
