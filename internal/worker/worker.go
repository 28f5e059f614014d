// Package worker provides a NATS worker that processes speech-to-video jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
	"github.com/telespial/wan2.2-runpod-serverless/internal/payload"
)

// Reply headers set when a job fails fatally. The body of such a reply is empty.
const (
	HeaderStatus = "S2V-Status"
	HeaderError  = "S2V-Error"
	StatusFailed = "failed"
)

const maxErrorHeaderLen = 1024

var (
	// ErrNoReplySubject indicates a job published without a reply subject.
	ErrNoReplySubject = errors.New("job message has no reply subject")
	// ErrJobFailed indicates a reply for a job that failed fatally on the worker.
	ErrJobFailed = errors.New("job failed")
	// ErrNoBucket indicates a job referring to stored input files on a worker
	// without a bucket.
	ErrNoBucket = errors.New("job refers to stored files but no bucket is configured")
)

// Header values cannot span lines.
var headerSanitizer = strings.NewReplacer("\r", " ", "\n", " ")

// NatsWorker listens for jobs on a NATS subject and answers each with its result.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queueGroup     string
	jobTimeout     time.Duration
	handler        core.JobHandler
	store          core.ObjectStore
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. store may be nil, in which
// case videos are returned inline as base64.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject, queueGroup string,
	jobTimeout time.Duration,
	handler core.JobHandler,
	store core.ObjectStore,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queueGroup:     queueGroup,
		jobTimeout:     jobTimeout,
		handler:        handler,
		store:          store,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages. NATS delivers the
// messages of one subscription sequentially, so jobs never overlap.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, w.queueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx := context.Background()

	if w.jobTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	job, err := parseJob(msg)
	if err != nil {
		w.log.Error("Failed to parse job: %v", err)
		w.respondFailure(msg, err)

		return
	}

	w.log.Info("Job %s received", job.ID)

	result, err := w.processJob(ctx, job)
	if err != nil {
		w.log.Error("Job %s failed: %v", job.ID, err)
		w.respondFailure(msg, err)

		return
	}

	err = w.respond(msg, result)
	if err != nil {
		w.log.Error("Failed to publish result for job %s: %v", job.ID, err)

		return
	}

	w.log.Info("Job %s answered", job.ID)
}

// processJob fetches stored inputs, runs the handler and moves the video to the
// object store when one is configured.
func (w *NatsWorker) processJob(ctx context.Context, job core.Job) (core.Result, error) {
	job, err := w.resolveInputs(ctx, job)
	if err != nil {
		return core.Result{}, err
	}

	result, err := w.handler.Handle(ctx, job)
	if err != nil {
		return core.Result{}, err
	}

	if result.Failed() || w.store == nil {
		return result, nil
	}

	key := path.Join(job.ID, result.Filename)

	err = w.store.UploadFile(ctx, key, result.OutputPath)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to upload video for key '%s': %w", key, err)
	}

	result.VideoB64 = ""
	result.VideoKey = key

	return result, nil
}

// resolveInputs replaces audio_key and image_key with the base64 content of the
// stored objects. Inputs too large for one NATS message travel this way.
func (w *NatsWorker) resolveInputs(ctx context.Context, job core.Job) (core.Job, error) {
	if !job.Input.HasStoredFiles() {
		return job, nil
	}

	if w.store == nil {
		return core.Job{}, ErrNoBucket
	}

	if job.Input.AudioKey != "" {
		data, err := w.store.Download(ctx, job.Input.AudioKey)
		if err != nil {
			return core.Job{}, fmt.Errorf("failed to fetch audio: %w", err)
		}

		job.Input.AudioB64 = payload.Encode(data)
	}

	if job.Input.ImageKey != "" {
		data, err := w.store.Download(ctx, job.Input.ImageKey)
		if err != nil {
			return core.Job{}, fmt.Errorf("failed to fetch image: %w", err)
		}

		job.Input.ImageB64 = payload.Encode(data)
	}

	w.log.Info("Job %s inputs fetched from the bucket", job.ID)

	return job, nil
}

func (w *NatsWorker) respond(msg *nats.Msg, result core.Result) error {
	if msg.Reply == "" {
		return ErrNoReplySubject
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	err = msg.Respond(data)
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	return nil
}

// respondFailure answers with headers only so the caller can tell a fatal failure
// apart from a reported {"error": ...} result.
func (w *NatsWorker) respondFailure(msg *nats.Msg, cause error) {
	if msg.Reply == "" {
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(HeaderStatus, StatusFailed)
	reply.Header.Set(HeaderError, headerValue(cause.Error()))

	err := msg.RespondMsg(reply)
	if err != nil {
		w.log.Error("Failed to publish failure reply: %v", err)
	}
}

func headerValue(text string) string {
	text = headerSanitizer.Replace(text)
	if len(text) > maxErrorHeaderLen {
		text = text[:maxErrorHeaderLen]
	}

	return text
}

func parseJob(msg *nats.Msg) (core.Job, error) {
	var job core.Job

	err := json.Unmarshal(msg.Data, &job)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	return job, nil
}

// FailureFromReply returns the fatal error carried by a reply, or nil when the
// reply holds a result.
func FailureFromReply(msg *nats.Msg) error {
	if msg.Header == nil || msg.Header.Get(HeaderStatus) != StatusFailed {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrJobFailed, msg.Header.Get(HeaderError))
}
