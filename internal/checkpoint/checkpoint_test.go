package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telespial/wan2.2-runpod-serverless/internal/checkpoint"
)

var errMockFetch = errors.New("mock fetch error")

// mockFetcher is a mock implementation of the SnapshotFetcher interface.
type mockFetcher struct {
	fetchShouldFail bool
	calls           int
	repoID          string
	dir             string
}

func (m *mockFetcher) Fetch(_ context.Context, repoID, dir string) error {
	m.calls++
	m.repoID = repoID
	m.dir = dir

	if m.fetchShouldFail {
		return errMockFetch
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o600)
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "checkpoint-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

func TestEnsure_ExistingDirSkipsFetch(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	ensurer := checkpoint.NewEnsurer(t.TempDir(), "Wan-AI/Wan2.2-S2V-14B", fetcher, createTestLogger(t))

	require.NoError(t, ensurer.Ensure(context.Background()))
	assert.Zero(t, fetcher.calls)
}

func TestEnsure_MissingDirIsCreatedAndFetched(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "models", "Wan2.2-S2V-14B")
	fetcher := &mockFetcher{}
	ensurer := checkpoint.NewEnsurer(dir, "Wan-AI/Wan2.2-S2V-14B", fetcher, createTestLogger(t))

	require.NoError(t, ensurer.Ensure(context.Background()))
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, "Wan-AI/Wan2.2-S2V-14B", fetcher.repoID)
	assert.Equal(t, dir, fetcher.dir)
	assert.FileExists(t, filepath.Join(dir, "config.json"))

	require.NoError(t, ensurer.Ensure(context.Background()))
	assert.Equal(t, 1, fetcher.calls, "second call must not fetch again")
}

func TestEnsure_FailedFetchLeavesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ckpt")
	fetcher := &mockFetcher{fetchShouldFail: true}
	ensurer := checkpoint.NewEnsurer(dir, "repo/model", fetcher, createTestLogger(t))

	err := ensurer.Ensure(context.Background())
	require.ErrorIs(t, err, errMockFetch)
	assert.DirExists(t, dir)

	// The partial directory now counts as present.
	require.NoError(t, ensurer.Ensure(context.Background()))
	assert.Equal(t, 1, fetcher.calls)
}

func newHubServer(t *testing.T, files map[string]string, wantToken string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/model/revision/main", func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		siblings := make([]map[string]string, 0, len(files))
		for name := range files {
			siblings = append(siblings, map[string]string{"rfilename": name})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "org/model", "siblings": siblings})
	})
	mux.HandleFunc("/org/model/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/org/model/resolve/main/"):]

		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte(content))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestHubFetcher_DownloadsFlatFiles(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"config.json":                    `{"dim": 5120}`,
		"diffusion_pytorch_model.index":  "index",
		"google/umt5-xxl/tokenizer.json": "tokens",
	}
	server := newHubServer(t, files, "hf_token")
	dir := t.TempDir()

	fetcher := checkpoint.NewHubFetcher(server.URL+"/", "hf_token", "main", createTestLogger(t))
	require.NoError(t, fetcher.Fetch(context.Background(), "org/model", dir))

	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))

		info, err := os.Lstat(path)
		require.NoError(t, err)
		assert.True(t, info.Mode().IsRegular(), "%s must be a regular file", name)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}
}

func TestHubFetcher_Unauthorized(t *testing.T) {
	t.Parallel()

	server := newHubServer(t, map[string]string{"a.bin": "a"}, "expected")

	fetcher := checkpoint.NewHubFetcher(server.URL, "wrong", "main", createTestLogger(t))
	err := fetcher.Fetch(context.Background(), "org/model", t.TempDir())
	require.ErrorIs(t, err, checkpoint.ErrHubStatus)
}

func TestHubFetcher_EmptySnapshot(t *testing.T) {
	t.Parallel()

	server := newHubServer(t, map[string]string{}, "")

	fetcher := checkpoint.NewHubFetcher(server.URL, "", "main", createTestLogger(t))
	err := fetcher.Fetch(context.Background(), "org/model", t.TempDir())
	require.ErrorIs(t, err, checkpoint.ErrEmptySnapshot)
}

func TestHubFetcher_RejectsEscapingNames(t *testing.T) {
	t.Parallel()

	server := newHubServer(t, map[string]string{"../escape.bin": "x"}, "")

	fetcher := checkpoint.NewHubFetcher(server.URL, "", "main", createTestLogger(t))
	err := fetcher.Fetch(context.Background(), "org/model", t.TempDir())
	require.ErrorIs(t, err, checkpoint.ErrUnsafeFileName)
}

func TestHubFetcher_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	fetcher := checkpoint.NewHubFetcher(url, "", "main", createTestLogger(t))
	err := fetcher.Fetch(context.Background(), "org/model", t.TempDir())
	require.Error(t, err)
}
