package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	ScraperMock = "mock"
	ScraperLive = "live"
)

type scraperParams struct {
	URL string `json:"url"`
}

func (r *Registry) newWebsiteScraper(mode string) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "website_scraper",
		Desc: "Scrapes the content of a given URL and returns it as a string. " +
			"Use this to fetch related materials for a gig from a web page or public GitHub file.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"url": {
				Desc:     "The URL of the website to scrape for information.",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	live := strings.EqualFold(mode, ScraperLive)
	return utils.NewTool(info, func(ctx context.Context, p *scraperParams) (string, error) {
		if p == nil || strings.TrimSpace(p.URL) == "" {
			return "", errors.New("url is required")
		}
		target := strings.TrimSpace(p.URL)
		r.record(ctx, info.Name, target, "Scraping content from URL")
		if !live {
			return ScraperMockResult, nil
		}
		text, err := fetchPage(ctx, r.httpClient, target)
		if err != nil {
			return "", err
		}
		return "Scraped Content: " + text, nil
	})
}
