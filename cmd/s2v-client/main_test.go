package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telespial/wan2.2-runpod-serverless/internal/core"
	"github.com/telespial/wan2.2-runpod-serverless/internal/objectstore"
	"github.com/telespial/wan2.2-runpod-serverless/internal/worker"
)

const testSubject = "s2v.test"

// TestParseFlags verifies flag parsing and the required-file validation.
func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{
			name:    "success with both files",
			args:    []string{"--audio", "a.wav", "--image", "i.png", "--size", "832*480"},
			wantErr: nil,
		},
		{
			name:    "error without audio",
			args:    []string{"--image", "i.png"},
			wantErr: errMissingFiles,
		},
		{
			name:    "error without image",
			args:    []string{"--audio", "a.wav"},
			wantErr: errMissingFiles,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			flags, err := parseFlags(flag.NewFlagSet("s2v-client", flag.ContinueOnError), testCase.args)
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "a.wav", flags.audio)
			assert.Equal(t, "i.png", flags.image)
			assert.Equal(t, "832*480", flags.size)
			assert.Equal(t, defaultSubject, flags.subject)
			assert.Equal(t, defaultTimeout, flags.timeout)
		})
	}
}

func TestBuildJob(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	audioPath := filepath.Join(dir, "a.wav")
	imagePath := filepath.Join(dir, "i.png")
	require.NoError(t, os.WriteFile(audioPath, []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(imagePath, []byte("i"), 0o600))

	job, err := buildJob(context.Background(), appFlags{audio: audioPath, image: imagePath, prompt: "hello"}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "YQ==", job.Input.AudioB64)
	assert.Equal(t, "aQ==", job.Input.ImageB64)
	assert.Equal(t, "hello", job.Input.Prompt)
	assert.Nil(t, job.Input.Size, "no --size leaves the worker default in charge")

	_, err = buildJob(context.Background(), appFlags{audio: filepath.Join(dir, "missing.wav"), image: imagePath}, nil)
	require.Error(t, err)
}

func startServer(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

// respondWith answers every job on the test subject with reply.
func respondWith(t *testing.T, natsConnection *nats.Conn, reply func(msg *nats.Msg) *nats.Msg) {
	t.Helper()

	sub, err := natsConnection.Subscribe(testSubject, func(msg *nats.Msg) {
		assert.NoError(t, msg.RespondMsg(reply(msg)))
	})
	require.NoError(t, err)
	require.NoError(t, natsConnection.Flush())

	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func resultReply(t *testing.T, msg *nats.Msg, result core.Result) *nats.Msg {
	t.Helper()

	data, err := json.Marshal(result)
	require.NoError(t, err)

	reply := nats.NewMsg(msg.Reply)
	reply.Data = data

	return reply
}

func TestSubmit_InlineVideo(t *testing.T) {
	t.Parallel()

	natsConnection := startServer(t)
	respondWith(t, natsConnection, func(msg *nats.Msg) *nats.Msg {
		return resultReply(t, msg, core.Result{VideoB64: "dmlkZW8=", Filename: "out.mp4"})
	})

	outputPath := filepath.Join(t.TempDir(), "nested", "video.mp4")
	flags := appFlags{subject: testSubject, output: outputPath}

	written, err := submit(context.Background(), natsConnection, flags, nil, core.Job{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, outputPath, written)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("video"), data)
}

func TestSubmit_StoredVideo(t *testing.T) {
	t.Parallel()

	natsConnection := startServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "videos")
	require.NoError(t, err)

	videoPath := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("stored video"), 0o600))
	require.NoError(t, store.UploadFile(context.Background(), "job-2/out.mp4", videoPath))

	respondWith(t, natsConnection, func(msg *nats.Msg) *nats.Msg {
		return resultReply(t, msg, core.Result{VideoKey: "job-2/out.mp4", Filename: "out.mp4"})
	})

	outputPath := filepath.Join(t.TempDir(), "video.mp4")

	flags := appFlags{subject: testSubject, output: outputPath}

	_, err = submit(context.Background(), natsConnection, flags, nil, core.Job{ID: "job-2"})
	require.ErrorIs(t, err, errBucketRequired)

	bound, err := bindBucket(natsConnection, "videos")
	require.NoError(t, err)

	_, err = submit(context.Background(), natsConnection, flags, bound, core.Job{ID: "job-2"})
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored video"), data)
}

func TestSubmit_Failures(t *testing.T) {
	t.Parallel()

	natsConnection := startServer(t)
	flags := appFlags{subject: testSubject, output: filepath.Join(t.TempDir(), "video.mp4")}

	respondWith(t, natsConnection, func(msg *nats.Msg) *nats.Msg {
		var job core.Job
		_ = json.Unmarshal(msg.Data, &job)

		switch job.ID {
		case "reported":
			return resultReply(t, msg, core.Result{Error: "No output video found"})
		case "empty":
			return resultReply(t, msg, core.Result{})
		default:
			reply := nats.NewMsg(msg.Reply)
			reply.Header.Set(worker.HeaderStatus, worker.StatusFailed)
			reply.Header.Set(worker.HeaderError, "boom")

			return reply
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := submit(ctx, natsConnection, flags, nil, core.Job{ID: "reported"})
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, err.Error(), "No output video found")

	_, err = submit(ctx, natsConnection, flags, nil, core.Job{ID: "empty"})
	require.ErrorIs(t, err, errNoVideo)

	_, err = submit(ctx, natsConnection, flags, nil, core.Job{ID: "fatal"})
	require.ErrorIs(t, err, worker.ErrJobFailed)
	assert.Contains(t, err.Error(), "boom")
}

func TestBuildJob_UploadsInputsToBucket(t *testing.T) {
	t.Parallel()

	natsConnection := startServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	_, err = objectstore.New(jetstreamContext, "jobs")
	require.NoError(t, err)

	store, err := bindBucket(natsConnection, "jobs")
	require.NoError(t, err)

	dir := t.TempDir()
	audioPath := filepath.Join(dir, "voice.wav")
	imagePath := filepath.Join(dir, "face.png")
	require.NoError(t, os.WriteFile(audioPath, []byte("audio bytes"), 0o600))
	require.NoError(t, os.WriteFile(imagePath, []byte("image bytes"), 0o600))

	job, err := buildJob(context.Background(), appFlags{audio: audioPath, image: imagePath, size: "832*480"}, store)
	require.NoError(t, err)

	assert.Empty(t, job.Input.AudioB64)
	assert.Empty(t, job.Input.ImageB64)
	assert.Equal(t, job.ID+"/voice.wav", job.Input.AudioKey)
	assert.Equal(t, job.ID+"/face.png", job.Input.ImageKey)
	assert.Equal(t, "832*480", job.Input.SizeOr(""))

	audio, err := store.Download(context.Background(), job.Input.AudioKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio bytes"), audio)

	image, err := store.Download(context.Background(), job.Input.ImageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), image)
}

func TestBindBucket_Missing(t *testing.T) {
	t.Parallel()

	_, err := bindBucket(startServer(t), "absent")
	require.Error(t, err)
}

func TestSubmit_InlineJobOverMaxPayload(t *testing.T) {
	t.Parallel()

	natsConnection := startServer(t)
	requests := make(chan struct{}, 1)

	respondWith(t, natsConnection, func(msg *nats.Msg) *nats.Msg {
		requests <- struct{}{}

		return resultReply(t, msg, core.Result{VideoB64: "dmlkZW8=", Filename: "out.mp4"})
	})

	oversized := strings.Repeat("A", int(natsConnection.MaxPayload()))
	job := core.Job{ID: "big", Input: core.Input{AudioB64: oversized, ImageB64: "aQ=="}}

	_, err := submit(context.Background(), natsConnection, appFlags{subject: testSubject, output: filepath.Join(t.TempDir(), "v.mp4")}, nil, job)
	require.ErrorIs(t, err, errPayloadTooLarge)
	assert.Empty(t, requests, "an oversized job must not be published")
}
