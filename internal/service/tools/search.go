package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

type webSearchTool struct {
	registry *Registry
	google   tool.InvokableTool
	duck     tool.InvokableTool
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (r *Registry) newWebSearch(googleAPIKey, searchEngineID string) tool.InvokableTool {
	googleTool := r.newGoogleSearch(googleAPIKey, searchEngineID)
	duckTool := r.newDDGSearch()
	if googleTool == nil && duckTool == nil {
		r.logger.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{registry: r, google: googleTool, duck: duckTool}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically fallbacks to another provider if needed;" +
			"can search URL if needed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	logger := w.registry.logger
	w.registry.record(ctx, "web_search", query, "Searching the web")

	if looksLikeURL(query) {
		content, err := fetchPage(ctx, w.registry.httpClient, query)
		if err == nil {
			return content, nil
		}
		logger.Warn("web url loader failed", zap.String("url", query), zap.Error(err))
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		logger.Warn("google search failed", zap.Error(err))
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		logger.Warn("duckduckgo search failed", zap.Error(err))
	}
	return "", errors.New("no search provider succeeded")
}

func (r *Registry) newDDGSearch() tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		r.logger.Warn("duckduckgo search disabled", zap.Error(err))
		return nil
	}
	return duckTool
}

func (r *Registry) newGoogleSearch(apiKey, engineID string) tool.InvokableTool {
	if apiKey == "" || engineID == "" {
		r.logger.Info("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		r.logger.Warn("google search disabled", zap.Error(err))
		return nil
	}
	return googleTool
}
