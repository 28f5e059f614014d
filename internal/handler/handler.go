// Package handler turns a speech-to-video job into a generated video.
package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
	"github.com/telespial/wan2.2-runpod-serverless/internal/fsutil"
	"github.com/telespial/wan2.2-runpod-serverless/internal/generate"
	"github.com/telespial/wan2.2-runpod-serverless/internal/payload"
	"github.com/telespial/wan2.2-runpod-serverless/internal/staging"
)

// Messages of the reported error tier.
const (
	ErrMsgMissingInputs = "audio_b64 and image_b64 are required"
	ErrMsgNoOutput      = "No output video found"
)

// Ensurer makes the model checkpoint available.
type Ensurer interface {
	Ensure(ctx context.Context) error
}

// Generator runs the generation process for one request.
type Generator interface {
	Run(ctx context.Context, req generate.Request) error
}

// Locator finds the newest output video written since a point in time.
type Locator interface {
	Find(since time.Time) (string, bool)
}

// Handler runs one job at a time through validate, stage, ensure weights,
// generate, locate and encode. It is not safe for concurrent use: every job
// writes the same staging paths.
type Handler struct {
	outputDir   string
	defaultSize string
	ensurer     Ensurer
	generator   Generator
	locator     Locator
	log         *logger.Logger
}

// New creates a Handler that stages inputs under outputDir.
func New(
	outputDir, defaultSize string,
	ensurer Ensurer,
	generator Generator,
	locator Locator,
	log *logger.Logger,
) *Handler {
	return &Handler{
		outputDir:   outputDir,
		defaultSize: defaultSize,
		ensurer:     ensurer,
		generator:   generator,
		locator:     locator,
		log:         log,
	}
}

// InputsDir returns the directory holding the staged input files.
func (h *Handler) InputsDir() string {
	return filepath.Join(h.outputDir, staging.InputsDirName)
}

// Handle processes job. Missing inputs and a missing output video are reported in
// the Result; every other failure is returned as an error.
func (h *Handler) Handle(ctx context.Context, job core.Job) (core.Result, error) {
	audioB64 := job.Input.AudioPayload()
	imageB64 := job.Input.ImagePayload()

	if audioB64 == "" || imageB64 == "" {
		h.log.Warn("Job %s rejected: %s", job.ID, ErrMsgMissingInputs)

		return core.Result{Error: ErrMsgMissingInputs}, nil
	}

	audioB64 = payload.StripDataURI(audioB64)
	imageB64 = payload.StripDataURI(imageB64)

	size := job.Input.SizeOr(h.defaultSize)

	req, err := h.stage(audioB64, imageB64, size, job.Input.Prompt)
	if err != nil {
		return core.Result{}, err
	}

	h.log.Info("Job %s staged inputs in %s (size %s)", job.ID, h.InputsDir(), size)

	// Detached from the job deadline: a fetch cut short leaves a directory that
	// later jobs treat as complete.
	err = h.ensurer.Ensure(context.WithoutCancel(ctx))
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to ensure checkpoint: %w", err)
	}

	start := time.Now()

	err = h.generator.Run(ctx, req)
	if err != nil {
		return core.Result{}, err
	}

	h.log.Info("Job %s generation finished in %s", job.ID, time.Since(start).Round(time.Second))

	outputPath, found := h.locator.Find(start)
	if !found {
		h.log.Warn("Job %s: %s", job.ID, ErrMsgNoOutput)

		return core.Result{Error: ErrMsgNoOutput}, nil
	}

	return h.encode(job.ID, outputPath)
}

func (h *Handler) stage(audioB64, imageB64, size, prompt string) (generate.Request, error) {
	inputsDir := h.InputsDir()

	err := fsutil.EnsureDir(inputsDir)
	if err != nil {
		return generate.Request{}, err
	}

	req := generate.Request{
		Size:      size,
		Prompt:    prompt,
		ImagePath: filepath.Join(inputsDir, staging.ImageFileName),
		AudioPath: filepath.Join(inputsDir, staging.AudioFileName),
	}

	err = staging.StageAudio(audioB64, req.AudioPath)
	if err != nil {
		return generate.Request{}, fmt.Errorf("failed to stage audio: %w", err)
	}

	err = staging.StageImage(imageB64, req.ImagePath, size)
	if err != nil {
		return generate.Request{}, fmt.Errorf("failed to stage image: %w", err)
	}

	return req, nil
}

func (h *Handler) encode(jobID, outputPath string) (core.Result, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to read output video '%s': %w", outputPath, err)
	}

	h.log.Info("Job %s produced %s (%s)", jobID, outputPath, fsutil.FormatFileSize(int64(len(data))))

	return core.Result{
		VideoB64:   payload.Encode(data),
		Filename:   filepath.Base(outputPath),
		OutputPath: outputPath,
	}, nil
}
