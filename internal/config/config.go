// Package config provides the configuration structure for the s2v-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalidValue indicates that an environment override could not be parsed.
var ErrInvalidValue = errors.New("invalid configuration value")

// Environment variable names. Deployment images set these; they override any file value.
const (
	EnvRepoDir       = "WAN_REPO_DIR"
	EnvCkptDir       = "WAN_CKPT_DIR"
	EnvOutputDir     = "WAN_OUTPUT_DIR"
	EnvModelID       = "WAN_MODEL_ID"
	EnvTask          = "WAN_TASK"
	EnvSize          = "WAN_SIZE"
	EnvT5Dtype       = "WAN_T5_DTYPE"
	EnvDitDtype      = "WAN_DIT_DTYPE"
	EnvOffload       = "WAN_OFFLOAD"
	EnvExtraArgs     = "WAN_EXTRA_ARGS"
	EnvPythonBin     = "WAN_PYTHON_BIN"
	EnvModelRevision = "WAN_MODEL_REVISION"
	EnvHubEndpoint   = "HF_ENDPOINT"
	EnvHubToken      = "HF_TOKEN"
	EnvNATSURL       = "NATS_URL"
	EnvJobSubject    = "S2V_JOB_SUBJECT"
	EnvQueueGroup    = "S2V_QUEUE_GROUP"
	EnvResultBucket  = "S2V_RESULT_BUCKET"
	EnvJobTimeout    = "S2V_JOB_TIMEOUT_SECONDS"
	EnvLogDir        = "S2V_LOG_DIR"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL          string `toml:"url"`
	JobSubject   string `toml:"job_subject"`
	QueueGroup   string `toml:"queue_group"`
	ResultBucket string `toml:"result_bucket"`
}

// WanConfig describes the generation script, its checkpoint and its fixed arguments.
type WanConfig struct {
	RepoDir   string `toml:"repo_dir"`
	CkptDir   string `toml:"ckpt_dir"`
	OutputDir string `toml:"output_dir"`
	ModelID   string `toml:"model_id"`
	Task      string `toml:"task"`
	Size      string `toml:"size"`
	T5Dtype   string `toml:"t5_dtype"`
	DitDtype  string `toml:"dit_dtype"`
	Offload   bool   `toml:"offload"`
	ExtraArgs string `toml:"extra_args"`
	PythonBin string `toml:"python_bin"`
}

// HubConfig holds the model repository settings used to fetch missing weights.
type HubConfig struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	Revision string `toml:"revision"`
}

// WorkerConfig holds per-job limits.
type WorkerConfig struct {
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS   NATSConfig   `toml:"nats"`
	Wan    WanConfig    `toml:"wan"`
	Hub    HubConfig    `toml:"huggingface"`
	Worker WorkerConfig `toml:"worker"`
	Paths  PathsConfig  `toml:"paths"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		NATS: NATSConfig{
			URL:          "nats://127.0.0.1:4222",
			JobSubject:   "s2v.jobs",
			QueueGroup:   "s2v-workers",
			ResultBucket: "",
		},
		Wan: WanConfig{
			RepoDir:   "/workspace/Wan2.2",
			CkptDir:   "/models/Wan2.2-S2V-14B",
			OutputDir: "/outputs",
			ModelID:   "Wan-AI/Wan2.2-S2V-14B",
			Task:      "s2v-14B",
			Size:      "1024*704",
			T5Dtype:   "bf16",
			DitDtype:  "bf16",
			Offload:   true,
			ExtraArgs: "",
			PythonBin: "python",
		},
		Hub: HubConfig{
			Endpoint: "https://huggingface.co",
			Token:    "",
			Revision: "main",
		},
		Worker: WorkerConfig{
			JobTimeoutSeconds: 3600,
		},
		Paths: PathsConfig{
			BaseLogsDir: os.TempDir(),
		},
	}
}

// Load loads the base configuration through the central configurator and applies
// environment overrides on top of it.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile reads a TOML file over the defaults and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}

	return finish(&cfg)
}

// FromEnv builds the configuration from the defaults and the process environment only.
func FromEnv() (*Config, error) {
	cfg := Default()

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields with the values reported by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvRepoDir:       &c.Wan.RepoDir,
		EnvCkptDir:       &c.Wan.CkptDir,
		EnvOutputDir:     &c.Wan.OutputDir,
		EnvModelID:       &c.Wan.ModelID,
		EnvTask:          &c.Wan.Task,
		EnvSize:          &c.Wan.Size,
		EnvT5Dtype:       &c.Wan.T5Dtype,
		EnvDitDtype:      &c.Wan.DitDtype,
		EnvExtraArgs:     &c.Wan.ExtraArgs,
		EnvPythonBin:     &c.Wan.PythonBin,
		EnvModelRevision: &c.Hub.Revision,
		EnvHubEndpoint:   &c.Hub.Endpoint,
		EnvHubToken:      &c.Hub.Token,
		EnvNATSURL:       &c.NATS.URL,
		EnvJobSubject:    &c.NATS.JobSubject,
		EnvQueueGroup:    &c.NATS.QueueGroup,
		EnvResultBucket:  &c.NATS.ResultBucket,
		EnvLogDir:        &c.Paths.BaseLogsDir,
	}

	for key, field := range strs {
		if value, ok := lookup(key); ok {
			*field = value
		}
	}

	if value, ok := lookup(EnvOffload); ok {
		c.Wan.Offload = ParseBool(value)
	}

	if value, ok := lookup(EnvJobTimeout); ok {
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidValue, EnvJobTimeout, value)
		}

		c.Worker.JobTimeoutSeconds = seconds
	}

	return nil
}

// ParseBool reports whether value is one of 1, true or yes, ignoring case.
// Every other value, including the empty string, is false.
func ParseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
