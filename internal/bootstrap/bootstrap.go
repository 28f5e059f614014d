// Package bootstrap loads configuration, creates the service logger and wires the
// job handler. It is shared by every service entry point.
package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/telespial/wan2.2-runpod-serverless/internal/checkpoint"
	"github.com/telespial/wan2.2-runpod-serverless/internal/config"
	"github.com/telespial/wan2.2-runpod-serverless/internal/generate"
	"github.com/telespial/wan2.2-runpod-serverless/internal/handler"
	"github.com/telespial/wan2.2-runpod-serverless/internal/locate"
)

// Options selects the configuration sources.
type Options struct {
	// ConfigPath is a TOML file read over the defaults. Empty skips it.
	ConfigPath string
	// UseConfigurator loads the base configuration through the central configurator.
	UseConfigurator bool
	// EnvFile is loaded into the environment when it exists. Empty skips it.
	EnvFile string
	// LogName is the file name of the final log.
	LogName string
}

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// Load reads the configuration and returns it with the final logger. The caller
// closes the logger.
func Load(opts Options) (*config.Config, *logger.Logger, error) {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "s2v-service-bootstrap.log")
	if err != nil {
		return nil, nil, err
	}

	defer func() {
		closeErr := bootstrapLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing bootstrap logger: %v\n", closeErr)
		}
	}()

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Populate the environment from the env file, never overriding real variables
	err = loadEnvFile(opts.EnvFile)
	if err != nil {
		bootstrapLog.Error("Failed to load env file: %v", err)

		return nil, nil, err
	}

	// 3. Load configuration
	cfg, err := loadConfig(opts, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 4. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, opts.LogName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, err
	}

	return cfg, finalLog, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	return nil
}

func loadConfig(opts Options, log *logger.Logger) (*config.Config, error) {
	switch {
	case opts.ConfigPath != "":
		return config.LoadFile(opts.ConfigPath)
	case opts.UseConfigurator:
		return config.Load(log)
	default:
		return config.FromEnv()
	}
}

// NewHandler wires the job handler from cfg: Hugging Face fetcher, checkpoint
// ensurer, generation invoker and the two-root output finder.
func NewHandler(cfg *config.Config, log *logger.Logger) (*handler.Handler, error) {
	fetcher := checkpoint.NewHubFetcher(cfg.Hub.Endpoint, cfg.Hub.Token, cfg.Hub.Revision, log)
	ensurer := checkpoint.NewEnsurer(cfg.Wan.CkptDir, cfg.Wan.ModelID, fetcher, log)

	invoker, err := generate.NewInvoker(generate.Options{
		PythonBin: cfg.Wan.PythonBin,
		RepoDir:   cfg.Wan.RepoDir,
		CkptDir:   cfg.Wan.CkptDir,
		Task:      cfg.Wan.Task,
		T5Dtype:   cfg.Wan.T5Dtype,
		DitDtype:  cfg.Wan.DitDtype,
		Offload:   cfg.Wan.Offload,
		ExtraArgs: cfg.Wan.ExtraArgs,
	}, generate.NewExecRunner(log), log)
	if err != nil {
		return nil, err
	}

	// The repository directory is searched before the output directory.
	finder := locate.NewFinder(cfg.Wan.RepoDir, cfg.Wan.OutputDir)

	return handler.New(cfg.Wan.OutputDir, cfg.Wan.Size, ensurer, invoker, finder, log), nil
}
