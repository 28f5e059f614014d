// Package generate builds and runs the command line of the speech-to-video
// generation script.
package generate

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/google/shlex"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
)

const scriptName = "generate.py"

// Options holds the job-independent part of the command line.
type Options struct {
	PythonBin string
	RepoDir   string
	CkptDir   string
	Task      string
	T5Dtype   string
	DitDtype  string
	Offload   bool
	ExtraArgs string
}

// Request holds the per-job part of the command line.
type Request struct {
	Size      string
	Prompt    string
	ImagePath string
	AudioPath string
}

// Invoker runs generate.py through a CommandRunner.
type Invoker struct {
	opts      Options
	extraArgs []string
	runner    core.CommandRunner
	log       *logger.Logger
}

// NewInvoker creates an Invoker. ExtraArgs is split into words with shell quoting
// rules; a malformed string is an error.
func NewInvoker(opts Options, runner core.CommandRunner, log *logger.Logger) (*Invoker, error) {
	extra, err := shlex.Split(opts.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to split extra args %q: %w", opts.ExtraArgs, err)
	}

	return &Invoker{
		opts:      opts,
		extraArgs: extra,
		runner:    runner,
		log:       log,
	}, nil
}

// Dir returns the working directory of the generation process.
func (i *Invoker) Dir() string {
	return i.opts.RepoDir
}

// Args returns the arguments passed to the Python interpreter, script path first.
func (i *Invoker) Args(req Request) []string {
	args := []string{
		filepath.Join(i.opts.RepoDir, scriptName),
		"--task", i.opts.Task,
		"--size", req.Size,
		"--ckpt_dir", i.opts.CkptDir,
		"--prompt", req.Prompt,
		"--image", req.ImagePath,
		"--audio", req.AudioPath,
		"--t5_fsdp",
		"--t5_cpu",
		"--t5_dtype", i.opts.T5Dtype,
		"--dit_fsdp",
		"--dit_cpu",
		"--dit_dtype", i.opts.DitDtype,
	}

	if i.opts.Offload {
		args = append(args, "--offload_model")
	}

	return append(args, i.extraArgs...)
}

// Run executes the generation script and blocks until it exits.
func (i *Invoker) Run(ctx context.Context, req Request) error {
	args := i.Args(req)

	i.log.Info("Running %s %v in %s", i.opts.PythonBin, args, i.opts.RepoDir)

	err := i.runner.Run(ctx, i.opts.RepoDir, i.opts.PythonBin, args...)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	return nil
}
