// Package tools holds the eino tools agents can be equipped with.
package tools

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/cloudwego/eino/components/tool"
	"go.uber.org/zap"

	"gigcrew/internal/config"
	"gigcrew/internal/logging"
)

type Options struct {
	ScraperMode      string
	WebSearchEnabled bool
	GoogleAPIKey     string
	SearchEngineID   string
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// OptionsFromConfig maps the tools and credential sections of cfg.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	return Options{
		ScraperMode:      cfg.Tools.ScraperMode,
		WebSearchEnabled: cfg.Tools.WebSearchEnabled,
		GoogleAPIKey:     cfg.Credentials.GoogleAPIKey,
		SearchEngineID:   cfg.Credentials.GoogleSearchEngineID,
		Logger:           logger,
	}
}

// Registry resolves tool names used in crew definitions.
type Registry struct {
	tools      map[string]tool.BaseTool
	logger     *zap.Logger
	httpClient *http.Client
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		tools:      make(map[string]tool.BaseTool),
		logger:     logging.OrNop(opts.Logger),
		httpClient: opts.HTTPClient,
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: HTTPTimeout}
	}

	builtin := []tool.InvokableTool{
		r.newCodeInterpreter(),
		r.newFileReader(),
		r.newWebsiteScraper(opts.ScraperMode),
		r.newUploadReader(),
	}
	builtin = append(builtin, r.gigTools()...)
	if opts.WebSearchEnabled {
		builtin = append(builtin, r.newWebSearch(opts.GoogleAPIKey, opts.SearchEngineID))
	}
	for _, t := range builtin {
		if t == nil {
			continue
		}
		if err := r.Register(t); err != nil {
			r.logger.Warn("skip tool", zap.Error(err))
		}
	}
	return r
}

// Register adds t under the name reported by its ToolInfo, replacing any previous tool.
func (r *Registry) Register(t tool.BaseTool) error {
	info, err := t.Info(context.Background())
	if err != nil {
		return fmt.Errorf("tool info: %w", err)
	}
	if info == nil || info.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	r.tools[info.Name] = t
	return nil
}

// Tools returns the named tools in order.
func (r *Registry) Tools(names ...string) ([]tool.BaseTool, error) {
	out := make([]tool.BaseTool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Has reports whether name is available, letting callers drop optional tools.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
