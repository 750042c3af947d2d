package ports

import (
	"context"

	"ytkara/internal/domain"
)

// Fetcher materializes the remote media identified by key inside workDir.
// Implementations must not write outside workDir and must stop when ctx is
// cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, key, workDir string) (domain.FetchResult, error)
}

// DurationProber reads the playable duration of a local media file.
type DurationProber interface {
	Duration(ctx context.Context, filePath string) (float64, error)
}
