package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gigcrew/internal/crew"
	"gigcrew/internal/crew/catalog"
	"gigcrew/internal/models"
	"gigcrew/internal/service/runs"
	"gigcrew/internal/service/tools"
)

const (
	weaveCrew    = "weave"
	articleCrew  = "article"
	previewRunes = 500
	// maxUploadBody leaves room for multipart headers and the provider/model fields.
	maxUploadBody = runs.MaxUploadSize + 64<<10
)

type kickoffRequest struct {
	Inputs   map[string]string `json:"inputs"`
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
}

// plannedRun is a crew that has been built and is ready to kick off.
type plannedRun struct {
	crew     *crew.Crew
	inputs   map[string]string
	provider string
	model    string
}

// planRun merges inputs, resolves the model and builds the crew. Client construction
// failures surface here, before any run is recorded.
func (h *Handler) planRun(ctx context.Context, name string, req kickoffRequest) (*plannedRun, error) {
	spec, err := h.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	inputs := spec.MergeInputs(req.Inputs)
	required, err := h.catalog.Inputs(name)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(inputs[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", crew.ErrMissingInput, strings.Join(missing, ", "))
	}

	provider := spec.ResolveProvider(req.Provider, h.defaultProvider)
	modelName := strings.TrimSpace(req.Model)
	if modelName == "" && provider == spec.Provider {
		modelName = spec.Model
	}
	if modelName == "" {
		modelName = h.models.DefaultModel(provider)
	}
	built, err := h.catalog.Build(ctx, name, catalog.BuildOptions{
		Provider: provider,
		Model:    modelName,
		Source:   h.models,
		Registry: h.tools,
		Logger:   h.logger,
	})
	if err != nil {
		return nil, err
	}
	return &plannedRun{crew: built, inputs: inputs, provider: provider, model: modelName}, nil
}

type emitFunc func(event string, payload any) error

// execute kicks the planned crew off on the worker pool and records its steps and result.
func (h *Handler) execute(ctx context.Context, clientID int64, run *models.Run, plan *plannedRun, uploads []*models.Upload, emit emitFunc) (*crew.Output, error) {
	logger := h.logger.With(zap.String("run", run.ID), zap.String("crew", run.Crew))
	ctx = tools.WithRun(ctx, run.ID)
	ctx = tools.WithUploads(ctx, uploads)
	ctx = tools.WithActionSink(ctx, func(a tools.Action) {
		_ = emit("action", a)
	})
	seq := 0
	plan.crew.TaskCallback = func(o crew.TaskOutput) {
		seq++
		step, err := h.runs.AppendStep(ctx, run.ID, seq, o.Task, o.Agent, o.Raw)
		if err != nil {
			logger.Warn("record step failed", zap.Int("seq", seq), zap.Error(err))
			step = &models.RunStep{RunID: run.ID, Seq: seq, Task: o.Task, Agent: o.Agent, Output: o.Raw}
		}
		_ = emit("step", step)
	}

	var out *crew.Output
	err := h.dispatcher.Submit(ctx, clientID, func(jobCtx context.Context) error {
		if err := h.runs.MarkRunning(jobCtx, run.ID); err != nil {
			return err
		}
		var kickErr error
		out, kickErr = plan.crew.Kickoff(jobCtx, plan.inputs)
		return kickErr
	})

	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		logger.Warn("run failed", zap.Error(err))
		if ferr := h.runs.FailRun(finishCtx, run.ID, err); ferr != nil {
			logger.Warn("mark run failed", zap.Error(ferr))
		}
		return nil, err
	}
	if err := h.runs.CompleteRun(finishCtx, run.ID, out.Raw); err != nil {
		logger.Warn("mark run complete", zap.Error(err))
	}
	logger.Info("run completed", zap.Int("tasks", len(out.Tasks)))
	return out, nil
}

// eventStream writes server-sent events. Tool actions arrive from worker goroutines,
// so writes are serialised and stop once the handler returns.
type eventStream struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func openEventStream(c *gin.Context) (*eventStream, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &eventStream{w: c.Writer, flusher: flusher}, true
}

func (s *eventStream) send(event string, payload any) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("event stream closed")
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *eventStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// streamRun acknowledges the run, streams its actions and steps, then finishes with done or error.
func (h *Handler) streamRun(c *gin.Context, clientID int64, run *models.Run, plan *plannedRun, uploads []*models.Upload, ack gin.H) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.runTimeout)
	defer cancel()

	stream, ok := openEventStream(c)
	if !ok {
		h.abandonRun(run, errors.New("streaming unsupported"))
		return
	}
	defer stream.close()

	if ack == nil {
		ack = gin.H{}
	}
	ack["run"] = run
	if err := stream.send("ack", ack); err != nil {
		h.abandonRun(run, err)
		return
	}
	out, err := h.execute(ctx, clientID, run, plan, uploads, stream.send)
	if err != nil {
		_, msg := errorStatus(err)
		_ = stream.send("error", gin.H{"run_id": run.ID, "message": msg})
		return
	}
	_ = stream.send("done", gin.H{"run_id": run.ID, "output": out.Raw, "tasks": out.Tasks})
}

// abandonRun fails a run that never reached the worker pool.
func (h *Handler) abandonRun(run *models.Run, cause error) {
	if err := h.runs.FailRun(context.Background(), run.ID, cause); err != nil {
		h.logger.Warn("abandon run", zap.String("run", run.ID), zap.Error(err))
	}
}

func (h *Handler) kickoff(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	var req kickoffRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	name := c.Param("name")
	spec, err := h.catalog.Get(name)
	if err != nil {
		writeError(c, err)
		return
	}
	if spec.Upload || spec.Paywalled {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("crew %s needs an uploaded file; use its upload endpoint", name)})
		return
	}
	ctx := c.Request.Context()
	plan, err := h.planRun(ctx, name, req)
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := h.runs.CreateRun(ctx, clientID, name, plan.provider, plan.model, plan.inputs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.streamRun(c, clientID, run, plan, nil, nil)
}

// receiveUpload stores the multipart "file" field and returns it with its content.
func (h *Handler) receiveUpload(c *gin.Context, clientID int64) (*models.Upload, []byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)
	if err := c.Request.ParseMultipartForm(runs.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, runs.ErrUploadTooLarge)
			return nil, nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return nil, nil, false
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return nil, nil, false
	}
	if _, err := runs.UploadMimeType(file.Filename); err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	if file.Size > runs.MaxUploadSize {
		writeError(c, runs.ErrUploadTooLarge)
		return nil, nil, false
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return nil, nil, false
	}
	data, err := io.ReadAll(io.LimitReader(f, runs.MaxUploadSize+1))
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return nil, nil, false
	}
	if !utf8.Valid(data) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must be utf-8 text"})
		return nil, nil, false
	}
	upload, err := h.runs.StoreUpload(c.Request.Context(), clientID, file.Filename, bytes.NewReader(data))
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	return upload, data, true
}

func (h *Handler) consumeUploads(uploads ...*models.Upload) {
	for _, u := range uploads {
		if err := h.runs.ConsumeUpload(context.Background(), u); err != nil {
			h.logger.Warn("consume upload failed", zap.Int64("upload", u.ID), zap.Error(err))
		}
	}
}

// startUploadRun plans the named upload crew around upload and records the run.
func (h *Handler) startUploadRun(c *gin.Context, clientID int64, name string, upload *models.Upload) (*plannedRun, *models.Run, bool) {
	ctx := c.Request.Context()
	plan, err := h.planRun(ctx, name, kickoffRequest{
		Provider: c.PostForm("provider"),
		Model:    c.PostForm("model"),
		Inputs: map[string]string{
			"file_name": upload.FileName,
			"file_id":   strconv.FormatInt(upload.ID, 10),
		},
	})
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	run, err := h.runs.CreateRun(ctx, clientID, name, plan.provider, plan.model, plan.inputs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	if err := h.runs.AttachUpload(ctx, clientID, upload.ID, run.ID); err != nil {
		h.abandonRun(run, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	attached, err := h.runs.GetUpload(ctx, clientID, upload.ID)
	if err != nil {
		h.abandonRun(run, err)
		writeError(c, err)
		return nil, nil, false
	}
	*upload = *attached
	return plan, run, true
}

// weave turns an uploaded bullet journal into a narrative, streaming progress.
func (h *Handler) weave(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	upload, content, ok := h.receiveUpload(c, clientID)
	if !ok {
		return
	}
	defer h.consumeUploads(upload)

	plan, run, ok := h.startUploadRun(c, clientID, weaveCrew, upload)
	if !ok {
		return
	}
	h.streamRun(c, clientID, run, plan, []*models.Upload{upload}, gin.H{
		"upload":  upload,
		"preview": preview(content),
	})
}

// writeArticle expands an uploaded brief into an article. It answers with plain JSON so
// that a failed run refunds the paywall slot.
func (h *Handler) writeArticle(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	upload, _, ok := h.receiveUpload(c, clientID)
	if !ok {
		return
	}
	defer h.consumeUploads(upload)

	plan, run, ok := h.startUploadRun(c, clientID, articleCrew, upload)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.runTimeout)
	defer cancel()
	logger := h.logger.With(zap.String("run", run.ID))
	emit := func(event string, payload any) error {
		logger.Debug("article event", zap.String("event", event), zap.Any("payload", payload))
		return nil
	}
	out, err := h.execute(ctx, clientID, run, plan, []*models.Upload{upload}, emit)
	if err != nil {
		code, msg := errorStatus(err)
		c.JSON(code, gin.H{"error": msg, "run_id": run.ID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":  run.ID,
		"article": out.Raw,
		"tasks":   out.Tasks,
	})
}

func preview(content []byte) string {
	text := strings.TrimSpace(string(content))
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}
