package tools

import (
	"context"
	"sync"
	"time"

	"gigcrew/internal/models"
)

const (
	UploadChunkSizeDefault = 1000
	UploadChunkSizeMin     = 500
	UploadChunkSizeMax     = 2000
	UploadRateLimit        = 3
	UploadRateWindow       = time.Minute
	HTTPTimeout            = 10 * time.Second
	maxBodySize            = 512 * 1024
)

type uploadsContextKey struct{}
type runContextKey struct{}
type actionSinkContextKey struct{}

// Action describes one tool invocation, surfaced to callers while a crew runs.
type Action struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// ActionSink receives tool actions. It must not block.
type ActionSink func(Action)

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

// WithUploads binds the uploads a crew may read to ctx.
func WithUploads(ctx context.Context, uploads []*models.Upload) context.Context {
	if len(uploads) == 0 {
		return ctx
	}
	copied := make([]*models.Upload, 0, len(uploads))
	for _, u := range uploads {
		if u == nil {
			continue
		}
		c := *u
		copied = append(copied, &c)
	}
	return context.WithValue(ctx, uploadsContextKey{}, copied)
}

func UploadsFromContext(ctx context.Context) []*models.Upload {
	uploads, _ := ctx.Value(uploadsContextKey{}).([]*models.Upload)
	return uploads
}

// WithRun tags ctx with the run id used for per-run tool rate limits.
func WithRun(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runContextKey{}, runID)
}

func RunFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(runContextKey{}).(string)
	return runID, ok && runID != ""
}

// WithActionSink registers sink to be notified of every tool invocation under ctx.
func WithActionSink(ctx context.Context, sink ActionSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, actionSinkContextKey{}, sink)
}

func emitAction(ctx context.Context, name, input string) {
	if sink, ok := ctx.Value(actionSinkContextKey{}).(ActionSink); ok && sink != nil {
		sink(Action{Tool: name, Input: input})
	}
}
