package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"gigcrew/internal/models"
)

type uploadReader struct {
	registry *Registry
	loader   *file.FileLoader
	limiter  *toolRateLimiter
}

type uploadReaderParams struct {
	FileID     int64 `json:"file_id"`
	ChunkIndex int   `json:"chunk_index,omitempty"`
	ChunkSize  int   `json:"chunk_size,omitempty"`
}

func (r *Registry) newUploadReader() tool.InvokableTool {
	ctx := context.Background()
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		r.logger.Warn("upload reader disabled", zap.Error(err))
		return nil
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		r.logger.Warn("upload reader disabled", zap.Error(err))
		return nil
	}
	reader := &uploadReader{
		registry: r,
		loader:   loader,
		limiter:  newToolRateLimiter(UploadRateLimit, UploadRateWindow),
	}
	info := &schema.ToolInfo{
		Name: "upload_reader",
		Desc: "Read the user's uploaded document in chunks. Provide the file_id (and optional chunk_index / chunk_size) " +
			"to fetch a specific segment; limit 3 calls per minute per run.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"file_id": {
				Desc:     "ID of the uploaded file, given in the task description.",
				Type:     schema.Integer,
				Required: true,
			},
			"chunk_index": {
				Desc: "Zero-based chunk index to read, default 0.",
				Type: schema.Integer,
			},
			"chunk_size": {
				Desc: "Number of characters per chunk (500-2000, default 1000).",
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func (t *uploadReader) run(ctx context.Context, params *uploadReaderParams) (string, error) {
	if params == nil || params.FileID <= 0 {
		return "", errors.New("file_id is required")
	}
	var target *models.Upload
	for _, u := range UploadsFromContext(ctx) {
		if u != nil && u.ID == params.FileID {
			target = u
			break
		}
	}
	if target == nil {
		return "", errors.New("file not found in current run")
	}
	key := fmt.Sprintf("file:%d", params.FileID)
	if runID, ok := RunFromContext(ctx); ok {
		key = "run:" + runID
	}
	if !t.limiter.Allow(key) {
		return "", errors.New("upload reader rate limit exceeded, please retry in a minute")
	}
	t.registry.record(ctx, "upload_reader", target.FileName, "Reading uploaded file")

	docs, err := t.loader.Load(ctx, document.Source{URI: target.StoredPath})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return fmt.Sprintf("File: %s has no readable text content.", target.FileName), nil
	}
	return chunk(target.FileName, text, params.ChunkIndex, params.ChunkSize), nil
}

// chunk slices text by runes and labels the segment with its position.
func chunk(name, text string, index, size int) string {
	if size <= 0 || size > UploadChunkSizeMax {
		size = UploadChunkSizeDefault
	}
	if size < UploadChunkSizeMin {
		size = UploadChunkSizeMin
	}
	if index < 0 {
		index = 0
	}
	runes := []rune(text)
	total := (len(runes) + size - 1) / size
	if index >= total {
		index = total - 1
	}
	start := index * size
	end := start + size
	if end > len(runes) {
		end = len(runes)
	}
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", name, index+1, total, string(runes[start:end]))
}
