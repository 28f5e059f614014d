// main package for the s2v-service
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/telespial/wan2.2-runpod-serverless/internal/bootstrap"
	"github.com/telespial/wan2.2-runpod-serverless/internal/config"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
	"github.com/telespial/wan2.2-runpod-serverless/internal/objectstore"
	"github.com/telespial/wan2.2-runpod-serverless/internal/worker"
)

const (
	logFileName = "s2v-service.log"
	stdinInput  = "-"
)

var errMissingInput = errors.New("--input is required")

// CLI flags
var (
	configFlag       string
	configuratorFlag bool
	envFileFlag      string
	inputFlag        string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "s2v-service",
		Short: "Speech-to-video worker driving Wan2.2 S2V generation",
		Long: `s2v-service turns a reference image, an audio clip and a prompt into a
talking video by running the Wan2.2 S2V generation script.

Examples:
  s2v-service serve --config s2v.toml
  s2v-service run --input job.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVar(&configuratorFlag, "configurator", false, "Load the base configuration through the central configurator")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Environment file loaded before reading configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume jobs from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process a single job file and print the result",
		Args:  cobra.NoArgs,
		RunE:  runOnce,
	}
	runCmd.Flags().StringVarP(&inputFlag, "input", "i", "", `Job JSON file ("-" reads stdin)`)

	rootCmd.AddCommand(serveCmd, runCmd)

	return rootCmd
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	return bootstrap.Load(bootstrap.Options{
		ConfigPath:      configFlag,
		UseConfigurator: configuratorFlag,
		EnvFile:         envFileFlag,
		LogName:         logFileName,
	})
}

func closeLogger(log *logger.Logger) {
	closeErr := log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
	}
}

func jobTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Worker.JobTimeoutSeconds) * time.Second
}

// runServe connects to NATS and processes jobs until SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLogger(log)

	jobHandler, err := bootstrap.NewHandler(cfg, log)
	if err != nil {
		log.Error("Failed to create job handler: %v", err)

		return err
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConnection.Close()

	var store core.ObjectStore

	if cfg.NATS.ResultBucket != "" {
		jetstreamContext, jsErr := natsConnection.JetStream()
		if jsErr != nil {
			return fmt.Errorf("failed to create JetStream context: %w", jsErr)
		}

		natsStore, storeErr := objectstore.New(jetstreamContext, cfg.NATS.ResultBucket)
		if storeErr != nil {
			log.Error("Failed to open result bucket %s: %v", cfg.NATS.ResultBucket, storeErr)

			return storeErr
		}

		store = natsStore
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.JobSubject,
		cfg.NATS.QueueGroup,
		jobTimeout(cfg),
		jobHandler,
		store,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.System("S2V-Service successfully initialized. Listening for jobs on subject: %s", cfg.NATS.JobSubject)

	err = natsWorker.Run(ctx)
	if err != nil {
		log.Error("Worker stopped with error: %v", err)

		return err
	}

	log.System("S2V-Service stopped.")

	return nil
}

// runOnce processes one job from a file and prints its result as JSON.
func runOnce(cmd *cobra.Command, _ []string) error {
	if inputFlag == "" {
		return errMissingInput
	}

	job, err := readJob(inputFlag, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLogger(log)

	jobHandler, err := bootstrap.NewHandler(cfg, log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if cfg.Worker.JobTimeoutSeconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, jobTimeout(cfg))
		defer cancel()
	}

	result, err := jobHandler.Handle(ctx, job)
	if err != nil {
		log.Error("Job %s failed: %v", job.ID, err)

		return err
	}

	return writeResult(cmd.OutOrStdout(), result)
}

func readJob(path string, stdin io.Reader) (core.Job, error) {
	var (
		data []byte
		err  error
	)

	if path == stdinInput {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return core.Job{}, fmt.Errorf("failed to read job %s: %w", path, err)
	}

	var job core.Job

	err = json.Unmarshal(data, &job)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to parse job %s: %w", path, err)
	}

	if job.ID == "" {
		job.ID = "local"
	}

	return job, nil
}

func writeResult(out io.Writer, result core.Result) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(result)
	if err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	return nil
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
