package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gigcrew/internal/auth"
	"gigcrew/internal/config"
	"gigcrew/internal/crew"
	"gigcrew/internal/crew/catalog"
	"gigcrew/internal/logging"
	"gigcrew/internal/paywall"
	"gigcrew/internal/service/llm"
	"gigcrew/internal/service/runs"
	"gigcrew/internal/service/status"
	"gigcrew/internal/service/tools"
	"gigcrew/internal/worker"
)

const defaultRunTimeout = 5 * time.Minute

// Dispatcher runs crew kickoffs on the bounded worker pool.
type Dispatcher interface {
	Submit(ctx context.Context, clientID int64, fn func(context.Context) error) error
	CancelClient(clientID int64)
	Stats() worker.Stats
}

type Options struct {
	Auth       *auth.Service
	Runs       *runs.Service
	Catalog    *catalog.Catalog
	Models     status.Models
	Tools      *tools.Registry
	Dispatcher Dispatcher
	Paywall    *paywall.Paywall
	Status     *status.Checker
	// DefaultProvider is used when neither the request nor the crew names one.
	DefaultProvider string
	RunTimeout      time.Duration
	Logger          *zap.Logger
}

// Handler wires HTTP routes to the crew catalog, run records and the worker pool.
type Handler struct {
	auth            *auth.Service
	runs            *runs.Service
	catalog         *catalog.Catalog
	models          status.Models
	tools           *tools.Registry
	dispatcher      Dispatcher
	paywall         *paywall.Paywall
	status          *status.Checker
	defaultProvider string
	runTimeout      time.Duration
	logger          *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	logger := logging.OrNop(opts.Logger)
	checker := opts.Status
	if checker == nil && opts.Models != nil {
		checker = status.NewChecker(config.Credentials{}, opts.Models, logger)
	}
	pw := opts.Paywall
	if pw == nil {
		pw = paywall.New(paywall.Options{Logger: logger})
	}
	return &Handler{
		auth:            opts.Auth,
		runs:            opts.Runs,
		catalog:         opts.Catalog,
		models:          opts.Models,
		tools:           opts.Tools,
		dispatcher:      opts.Dispatcher,
		paywall:         pw,
		status:          checker,
		defaultProvider: opts.DefaultProvider,
		runTimeout:      opts.RunTimeout,
		logger:          logger,
	}
}

func (h *Handler) authorizedClientID(c *gin.Context) (int64, bool) {
	clientID, ok := auth.ClientIDFromContext(c)
	if !ok || clientID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return clientID, true
}

// paywallClient keys the weekly article quota by client id.
func paywallClient(c *gin.Context) (string, bool) {
	clientID, ok := auth.ClientIDFromContext(c)
	if !ok || clientID <= 0 {
		return "", false
	}
	return strconv.FormatInt(clientID, 10), true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/healthz", h.healthz)
	api.GET("/status", h.statusPage)
	api.GET("/diagnostics/:provider", h.diagnostics)
	api.GET("/crews", h.listCrews)
	api.POST("/clients", h.registerClient)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.DELETE("/clients/me", h.deleteClient)
	authed.DELETE("/clients/me/token", h.logout)
	authed.POST("/crews/:name/kickoff", h.kickoff)
	authed.POST("/weaver", h.weave)
	authed.POST("/articles", h.paywall.Middleware(paywallClient), h.writeArticle)
	authed.GET("/runs", h.listRuns)
	authed.GET("/runs/:id", h.getRun)
	authed.DELETE("/runs/:id", h.deleteRun)
}

func (h *Handler) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.dispatcher != nil {
		body["workers"] = h.dispatcher.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// statusPage reports which credentials are loaded. ?check=true also builds every provider's client.
func (h *Handler) statusPage(c *gin.Context) {
	check, _ := strconv.ParseBool(c.Query("check"))
	c.JSON(http.StatusOK, h.status.Report(c.Request.Context(), check))
}

func (h *Handler) diagnostics(c *gin.Context) {
	provider := c.Param("provider")
	known := false
	for _, p := range h.models.Providers() {
		if p == provider {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	st := h.status.Check(c.Request.Context(), provider)
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

type crewInfo struct {
	Name      string            `json:"name"`
	Title     string            `json:"title"`
	Provider  string            `json:"provider"`
	Inputs    []string          `json:"inputs"`
	Defaults  map[string]string `json:"defaults,omitempty"`
	Upload    bool              `json:"upload"`
	Paywalled bool              `json:"paywalled"`
	Price     string            `json:"price,omitempty"`
}

func (h *Handler) listCrews(c *gin.Context) {
	out := make([]crewInfo, 0, len(h.catalog.Crews))
	for _, name := range h.catalog.Names() {
		spec, _ := h.catalog.Get(name)
		inputs, _ := h.catalog.Inputs(name)
		if inputs == nil {
			inputs = []string{}
		}
		info := crewInfo{
			Name:      name,
			Title:     spec.Title,
			Provider:  spec.ResolveProvider("", h.defaultProvider),
			Inputs:    inputs,
			Defaults:  spec.Defaults,
			Upload:    spec.Upload,
			Paywalled: spec.Paywalled,
		}
		if spec.Paywalled {
			info.Price = h.paywall.Price()
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"crews": out})
}

func (h *Handler) registerClient(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	client, token, err := h.auth.RegisterClient(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"client":     client,
		"token":      token,
		"expires_in": int(h.auth.TokenTTL().Seconds()),
	})
}

func (h *Handler) deleteClient(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	h.dispatcher.CancelClient(clientID)
	if err := h.runs.PurgeClientUploads(ctx, clientID); err != nil {
		h.logger.Warn("purge client uploads failed", zap.Int64("client", clientID), zap.Error(err))
	}
	if err := h.auth.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// logout revokes only the token presented with the request.
func (h *Handler) logout(c *gin.Context) {
	if _, ok := h.authorizedClientID(c); !ok {
		return
	}
	token, ok := auth.AuthTokenFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listRuns(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	list, err := h.runs.ListRuns(c.Request.Context(), clientID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": list})
}

func (h *Handler) getRun(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	run, err := h.runs.GetRun(c.Request.Context(), clientID, c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) deleteRun(c *gin.Context) {
	clientID, ok := h.authorizedClientID(c)
	if !ok {
		return
	}
	if err := h.runs.DeleteRun(c.Request.Context(), clientID, c.Param("id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// errorStatus maps service errors onto an HTTP status and a client-facing message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, "server is shutting down"
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not found"
	case errors.Is(err, catalog.ErrUnknownCrew):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, crew.ErrMissingInput),
		errors.Is(err, llm.ErrProviderNotConfigured),
		errors.Is(err, llm.ErrMissingAPIKey),
		errors.Is(err, runs.ErrUnsupportedUpload):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, runs.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, runs.ErrStorageQuota):
		return http.StatusTooManyRequests, "storage quota exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "run timed out"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeError(c *gin.Context, err error) {
	code, msg := errorStatus(err)
	c.JSON(code, gin.H{"error": msg})
}
