// Package core defines the job types and capability interfaces shared by the S2V service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	UploadFile(ctx context.Context, key, path string) error
}

// CommandRunner executes an external program in dir and waits for it to exit.
// A non-nil error means the program could not start or exited with a non-zero status.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// SnapshotFetcher materialises every file of a model repository into dir.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, repoID, dir string) error
}

// JobHandler turns one job into a result. Reported failures are returned inside
// the Result; any returned error is fatal for the job.
type JobHandler interface {
	Handle(ctx context.Context, job Job) (Result, error)
}
