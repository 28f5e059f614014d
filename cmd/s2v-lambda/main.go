// Package main provides an AWS Lambda entry point for speech-to-video jobs.
//
// The event is a job document ({"id": ..., "input": {...}}). Reported errors come
// back as a result with "error" set; everything else fails the invocation.
//
// Videos are returned inline as base64. Synchronous invocations cap the response
// at 6 MB, so longer videos fail with errResponseTooLarge; use the NATS worker
// with a result bucket for those.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/book-expert/logger"
	"github.com/telespial/wan2.2-runpod-serverless/internal/bootstrap"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
)

const (
	logFileName = "s2v-lambda.log"
	// maxResponseBytes is the Lambda limit for a synchronous response payload.
	maxResponseBytes = 6 * 1024 * 1024
)

var errResponseTooLarge = errors.New("result exceeds the Lambda response limit")

// setup builds the job handler once per cold start.
func setup() (core.JobHandler, *logger.Logger, error) {
	cfg, log, err := bootstrap.Load(bootstrap.Options{
		EnvFile: os.Getenv("S2V_ENV_FILE"),
		LogName: logFileName,
	})
	if err != nil {
		return nil, nil, err
	}

	handler, err := bootstrap.NewHandler(cfg, log)
	if err != nil {
		log.Error("Failed to create job handler: %v", err)

		return nil, log, err
	}

	log.System("S2V-Lambda initialized.")

	return handler, log, nil
}

func handleJob(ctx context.Context, handler core.JobHandler, job core.Job) (core.Result, error) {
	if job.ID == "" {
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			job.ID = lc.AwsRequestID
		}
	}

	result, err := handler.Handle(ctx, job)
	if err != nil {
		return core.Result{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return core.Result{}, fmt.Errorf("job %s: failed to marshal result: %w", job.ID, err)
	}

	if len(data) > maxResponseBytes {
		return core.Result{}, fmt.Errorf("job %s: %w (%d > %d bytes)", job.ID, errResponseTooLarge, len(data), maxResponseBytes)
	}

	return result, nil
}

func main() {
	handler, log, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	lambda.Start(func(ctx context.Context, job core.Job) (core.Result, error) {
		return handleJob(ctx, handler, job)
	})
}
