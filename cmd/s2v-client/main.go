package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
	"github.com/telespial/wan2.2-runpod-serverless/internal/fsutil"
	"github.com/telespial/wan2.2-runpod-serverless/internal/objectstore"
	"github.com/telespial/wan2.2-runpod-serverless/internal/payload"
	"github.com/telespial/wan2.2-runpod-serverless/internal/worker"
)

// Flag descriptions.
const (
	flagAudioDesc   = "Audio file to drive the video"
	flagImageDesc   = "Reference image file"
	flagPromptDesc  = "Text prompt"
	flagSizeDesc    = "Output size as W*H (empty uses the worker default)"
	flagOutputDesc  = "Output file path (.mp4); defaults to the worker's file name"
	flagNatsURLDesc = "NATS server URL"
	flagSubjectDesc = "Job subject"
	flagBucketDesc  = "JetStream bucket for input files and stored videos (needed for inputs over the NATS payload limit)"
	flagTimeoutDesc = "How long to wait for the result"
)

// Flag names.
const (
	flagAudio   = "audio"
	flagImage   = "image"
	flagPrompt  = "prompt"
	flagSize    = "size"
	flagOutput  = "output"
	flagNatsURL = "nats-url"
	flagSubject = "subject"
	flagBucket  = "bucket"
	flagTimeout = "timeout"
)

// Defaults.
const (
	defaultSubject = "s2v.jobs"
	defaultTimeout = time.Hour
)

var (
	errMissingFiles    = errors.New("both --audio and --image must be provided")
	errReported        = errors.New("worker reported an error")
	errNoVideo         = errors.New("result carries no video")
	errBucketRequired  = errors.New("result refers to a stored video but --bucket is not set")
	errPayloadTooLarge = errors.New("job exceeds the NATS maximum payload; pass --bucket to upload the inputs")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	audio   string
	image   string
	prompt  string
	size    string
	output  string
	natsURL string
	subject string
	bucket  string
	timeout time.Duration
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	natsConnection, err := nats.Connect(flags.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	var store core.ObjectStore

	if flags.bucket != "" {
		store, err = bindBucket(natsConnection, flags.bucket)
		if err != nil {
			return err
		}
	}

	job, err := buildJob(ctx, flags, store)
	if err != nil {
		return err
	}

	outputPath, err := submit(ctx, natsConnection, flags, store, job)
	if err != nil {
		return err
	}

	fmt.Printf("Generated: %s\n", outputPath)

	return nil
}

func bindBucket(natsConnection *nats.Conn, bucket string) (*objectstore.NatsObjectStore, error) {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return objectstore.Bind(jetstreamContext, bucket)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(flagSet *flag.FlagSet, args []string) (appFlags, error) {
	var flags appFlags
	flagSet.StringVar(&flags.audio, flagAudio, "", flagAudioDesc)
	flagSet.StringVar(&flags.image, flagImage, "", flagImageDesc)
	flagSet.StringVar(&flags.prompt, flagPrompt, "", flagPromptDesc)
	flagSet.StringVar(&flags.size, flagSize, "", flagSizeDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.natsURL, flagNatsURL, nats.DefaultURL, flagNatsURLDesc)
	flagSet.StringVar(&flags.subject, flagSubject, defaultSubject, flagSubjectDesc)
	flagSet.StringVar(&flags.bucket, flagBucket, "", flagBucketDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	if flags.audio == "" || flags.image == "" {
		return appFlags{}, errMissingFiles
	}

	return flags, nil
}

// buildJob turns the input files into a job. With a store the files are uploaded
// under the job id and referenced by key; otherwise they are inlined as base64.
func buildJob(ctx context.Context, flags appFlags, store core.ObjectStore) (core.Job, error) {
	job := core.Job{
		ID: uuid.NewString(),
		Input: core.Input{
			Prompt: flags.prompt,
		},
	}

	if flags.size != "" {
		job.Input.Size = &flags.size
	}

	if store != nil {
		job.Input.AudioKey = path.Join(job.ID, filepath.Base(flags.audio))
		job.Input.ImageKey = path.Join(job.ID, filepath.Base(flags.image))

		err := store.UploadFile(ctx, job.Input.AudioKey, flags.audio)
		if err != nil {
			return core.Job{}, err
		}

		err = store.UploadFile(ctx, job.Input.ImageKey, flags.image)
		if err != nil {
			return core.Job{}, err
		}

		return job, nil
	}

	audioB64, err := payload.EncodeFile(flags.audio)
	if err != nil {
		return core.Job{}, err
	}

	imageB64, err := payload.EncodeFile(flags.image)
	if err != nil {
		return core.Job{}, err
	}

	job.Input.AudioB64 = audioB64
	job.Input.ImageB64 = imageB64

	return job, nil
}

// submit sends the job, waits for the reply and writes the video to disk. It
// returns the path written. store may be nil when everything travels inline.
func submit(ctx context.Context, natsConnection *nats.Conn, flags appFlags, store core.ObjectStore, job core.Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	maxPayload := natsConnection.MaxPayload()
	if int64(len(data)) > maxPayload {
		return "", fmt.Errorf("%w (%d > %d bytes)", errPayloadTooLarge, len(data), maxPayload)
	}

	reply, err := natsConnection.RequestWithContext(ctx, flags.subject, data)
	if err != nil {
		return "", fmt.Errorf("request on %s failed: %w", flags.subject, err)
	}

	err = worker.FailureFromReply(reply)
	if err != nil {
		return "", err
	}

	var result core.Result

	err = json.Unmarshal(reply.Data, &result)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal result: %w", err)
	}

	if result.Failed() {
		return "", fmt.Errorf("%w: %s", errReported, result.Error)
	}

	video, err := fetchVideo(ctx, store, result)
	if err != nil {
		return "", err
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = filepath.Base(result.Filename)
	}

	err = fsutil.WriteFile(outputPath, video)
	if err != nil {
		return "", err
	}

	return outputPath, nil
}

// fetchVideo returns the video bytes carried inline or stored in the bucket.
func fetchVideo(ctx context.Context, store core.ObjectStore, result core.Result) ([]byte, error) {
	if result.VideoKey == "" {
		if result.VideoB64 == "" {
			return nil, errNoVideo
		}

		return payload.Decode(result.VideoB64)
	}

	if store == nil {
		return nil, errBucketRequired
	}

	return store.Download(ctx, result.VideoKey)
}
