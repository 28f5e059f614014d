package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/telespial/wan2.2-runpod-serverless/internal/fsutil"
)

// API endpoints and paths.
const (
	apiModelRevision = "/api/models/%s/revision/%s"
	apiResolveFile   = "/%s/resolve/%s/%s"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerAccept        = "Accept"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// Error messages.
const (
	errFmtHubNonOKStatus = "model hub returned non-OK status for %s: %s, body: %s"
	errFmtUnsafeFileName = "%w: %q"
	maxErrorBodyBytes    = 512
)

var (
	// ErrHubStatus indicates a non-200 response from the model hub.
	ErrHubStatus = errors.New("model hub request failed")
	// ErrUnsafeFileName indicates a repository file name that would escape the target directory.
	ErrUnsafeFileName = errors.New("unsafe repository file name")
	// ErrEmptySnapshot indicates a repository revision without files.
	ErrEmptySnapshot = errors.New("model repository has no files")
)

// HubFetcher downloads model snapshots from a Hugging Face compatible hub.
// Every file is written as a regular file under the target directory, so the result
// carries no symlinks into a shared cache.
type HubFetcher struct {
	httpClient *http.Client
	baseURL    string
	token      string
	revision   string
	log        *logger.Logger
}

// modelInfo is the subset of the hub's model revision response the fetcher reads.
type modelInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// NewHubFetcher creates a fetcher for the hub at baseURL (e.g. "https://huggingface.co").
// An empty token sends anonymous requests.
func NewHubFetcher(baseURL, token, revision string, log *logger.Logger) *HubFetcher {
	return &HubFetcher{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		revision:   revision,
		log:        log,
	}
}

// Fetch lists the files of repoID at the configured revision and downloads each into dir.
func (f *HubFetcher) Fetch(ctx context.Context, repoID, dir string) error {
	files, err := f.listFiles(ctx, repoID)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("%w: %s@%s", ErrEmptySnapshot, repoID, f.revision)
	}

	for index, name := range files {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf(errFmtUnsafeFileName, ErrUnsafeFileName, name)
		}

		size, downloadErr := f.downloadFile(ctx, repoID, name, filepath.Join(dir, filepath.FromSlash(name)))
		if downloadErr != nil {
			return downloadErr
		}

		f.log.Info("Fetched %s (%s) [%d/%d]", name, fsutil.FormatFileSize(size), index+1, len(files))
	}

	return nil
}

func (f *HubFetcher) listFiles(ctx context.Context, repoID string) ([]string, error) {
	endpoint := f.baseURL + fmt.Sprintf(apiModelRevision, repoID, url.PathEscape(f.revision))

	resp, err := f.get(ctx, endpoint, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info modelInfo

	err = json.NewDecoder(resp.Body).Decode(&info)
	if err != nil {
		return nil, fmt.Errorf("failed to decode model info for %s: %w", repoID, err)
	}

	files := make([]string, 0, len(info.Siblings))
	for _, sibling := range info.Siblings {
		files = append(files, sibling.RFilename)
	}

	return files, nil
}

func (f *HubFetcher) downloadFile(ctx context.Context, repoID, name, dest string) (int64, error) {
	segments := strings.Split(name, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	endpoint := f.baseURL + fmt.Sprintf(apiResolveFile, repoID, url.PathEscape(f.revision), strings.Join(segments, "/"))

	resp, err := f.get(ctx, endpoint, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	err = fsutil.EnsureDir(filepath.Dir(dest))
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}

	written, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())

		return 0, fmt.Errorf("failed to write %s: %w", name, errors.Join(copyErr, closeErr))
	}

	err = os.Rename(tmp.Name(), dest)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return 0, fmt.Errorf("failed to move %s into place: %w", name, err)
	}

	return written, nil
}

// get issues an authenticated GET and returns the response when the status is 200.
func (f *HubFetcher) get(ctx context.Context, endpoint, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if accept != "" {
		req.Header.Set(headerAccept, accept)
	}

	if f.token != "" {
		req.Header.Set(headerAuthorization, bearerPrefix+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to model hub at %s: %w", f.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()

		return nil, fmt.Errorf("%w: "+errFmtHubNonOKStatus, ErrHubStatus, endpoint, resp.Status, string(body))
	}

	return resp, nil
}
