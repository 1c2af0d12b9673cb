package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"upscaler/internal/bootstrap"
	"upscaler/internal/pkg/shutdown"
	"upscaler/internal/worker/processor"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	inputFile string
	jobJSON   string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job and print its result",
	Long: `Run one job given as {"id": "...", "input": {...}}, either from a file
(--input test_input.json) or inline (--job '{"input": {...}}').`,
	RunE: runJob,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&inputFile, "input", "i", "test_input.json", "job file")
	runCmd.Flags().StringVar(&jobJSON, "job", "", "inline job JSON, overrides --input")
}

func readJob() (processor.Job, error) {
	var raw []byte
	if jobJSON != "" {
		raw = []byte(jobJSON)
	} else {
		b, err := os.ReadFile(inputFile)
		if err != nil {
			return processor.Job{}, fmt.Errorf("read job file: %w", err)
		}
		raw = b
	}

	var job processor.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return processor.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func runJob(cmd *cobra.Command, args []string) error {
	job, err := readJob()
	if err != nil {
		return err
	}

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

	res := rt.Processor.Handle(ctx, job)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Failed() {
		return fmt.Errorf("job failed: %v", res["error"])
	}
	return nil
}
