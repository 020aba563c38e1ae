package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/comfynaut/comfynaut/client"
	"github.com/comfynaut/comfynaut/graphapi"
	"github.com/comfynaut/comfynaut/pipeline"
)

const welcomeMessage = "Welcome to Comfynaut GPU Wizardry Portal!"

// Generator runs generation requests. *pipeline.Pipeline implements it.
type Generator interface {
	Dream(ctx context.Context, req pipeline.DreamRequest) (*pipeline.Result, error)
	Img2Img(ctx context.Context, req pipeline.ImageRequest) (*pipeline.Result, error)
	Img2Vid(ctx context.Context, req pipeline.ImageRequest) (*pipeline.Result, error)
	Marathon(ctx context.Context, sessions *pipeline.Sessions, sessionID string, req pipeline.DreamRequest, count int, each pipeline.MarathonFunc) (int, error)
}

// Catalog lists the available workflows. *graphapi.TemplateStore implements it.
type Catalog interface {
	List() ([]graphapi.TemplateInfo, error)
}

// Backend is the part of the generator the API talks to directly. *client.ComfyClient implements it.
type Backend interface {
	GetSystemStats(ctx context.Context) (*client.SystemStats, error)
	GetView(ctx context.Context, a client.Artifact) ([]byte, error)
	ViewURL(a client.Artifact) string
}

type Options struct {
	// PublicURL is where callers reach this API. Artifact URLs point at its /view proxy.
	// When empty, artifact URLs point at the backend directly.
	PublicURL   string
	MaxMarathon int
	Logger      *slog.Logger
}

// Handler API handler
type Handler struct {
	gen       Generator
	catalog   Catalog
	backend   Backend
	sessions  *pipeline.Sessions
	publicURL *url.URL
	maxCount  int
	logger    *slog.Logger

	// background marathons run under ctx until Close
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandler creates API handler
func NewHandler(gen Generator, catalog Catalog, backend Backend, sessions *pipeline.Sessions, opts Options) (*Handler, error) {
	h := &Handler{
		gen:      gen,
		catalog:  catalog,
		backend:  backend,
		sessions: sessions,
		maxCount: opts.MaxMarathon,
		logger:   opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.maxCount <= 0 {
		h.maxCount = 1
	}
	if opts.PublicURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.PublicURL, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid public url %q", opts.PublicURL)
		}
		h.publicURL = u
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Close stops running marathons after their current iteration
func (h *Handler) Close() {
	h.cancel()
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.welcome)
	r.GET("/health", h.healthCheck)
	r.GET("/workflows", h.listWorkflows)
	r.GET("/view", h.view)

	r.POST("/dream", h.dream)
	r.POST("/img2img", h.img2img)
	r.POST("/img2vid", h.img2vid)

	marathon := r.Group("/marathon")
	{
		marathon.POST("", h.startMarathon)
		marathon.GET("/:session", h.marathonStatus)
		marathon.POST("/:session/cancel", h.cancelMarathon)
	}
}

// NewRouter returns a gin engine with recovery, request logging and the API routes
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.logger))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) welcome(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": welcomeMessage})
}

func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.backend.GetSystemStats(ctx)
	if err != nil {
		h.logger.Warn("health check failed", "error", err)
		c.JSON(http.StatusBadGateway, HealthResponse{Status: StatusError, Message: "The generator is unreachable."})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:         StatusSuccess,
		ComfyUIVersion: stats.System.ComfyUIVersion,
		Devices:        stats.Devices,
	})
}

func (h *Handler) listWorkflows(c *gin.Context) {
	infos, err := h.catalog.List()
	if err != nil {
		h.logger.Error("listing workflows", "error", err)
		c.JSON(http.StatusInternalServerError, Response{Status: StatusError, Message: "Workflows could not be listed."})
		return
	}
	c.JSON(http.StatusOK, WorkflowsResponse{Status: StatusSuccess, Workflows: infos})
}

func (h *Handler) dream(c *gin.Context) {
	var req DreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: StatusError, Message: "Invalid request body."})
		return
	}

	h.logger.Info("prompt received", "prompt", req.Prompt, "workflow", req.Workflow)
	res, err := h.gen.Dream(c.Request.Context(), pipeline.DreamRequest{Prompt: req.Prompt, Workflow: req.Workflow})
	h.respond(c, res, err, req.Prompt)
}

func (h *Handler) img2img(c *gin.Context) {
	h.imageRequest(c, h.gen.Img2Img)
}

func (h *Handler) img2vid(c *gin.Context) {
	h.imageRequest(c, h.gen.Img2Vid)
}

func (h *Handler) imageRequest(c *gin.Context, run func(context.Context, pipeline.ImageRequest) (*pipeline.Result, error)) {
	var req ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: StatusError, Message: "Invalid request body."})
		return
	}

	data, err := decodeImage(req.ImageData)
	if err != nil {
		h.respond(c, nil, err, req.Prompt)
		return
	}

	res, err := run(c.Request.Context(), pipeline.ImageRequest{
		Image:    data,
		Filename: req.Filename,
		Prompt:   req.Prompt,
		Workflow: req.Workflow,
	})
	h.respond(c, res, err, req.Prompt)
}

// decodeImage accepts plain base64 or a data URL
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, pipeline.ErrMissingImage
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadImage, err)
	}
	return data, nil
}

func (h *Handler) respond(c *gin.Context, res *pipeline.Result, err error, echo string) {
	if err != nil {
		status, message := mapError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		} else {
			h.logger.Info("request rejected", "path", c.FullPath(), "error", err)
		}
		c.JSON(status, Response{Status: StatusError, Message: message, Echo: echo})
		return
	}

	resp := Response{
		Status:   StatusSuccess,
		Message:  "The dream machine delivered.",
		Echo:     echo,
		PromptID: res.PromptID,
	}
	if res.Image != nil {
		resp.ImageURL = h.artifactURL(*res.Image)
	}
	if res.Video != nil {
		resp.VideoURL = h.artifactURL(*res.Video)
	}
	if res.LastFrame != nil {
		resp.LastFrameURL = h.artifactURL(*res.LastFrame)
	}
	c.JSON(http.StatusOK, resp)
}

// artifactURL builds the caller-facing URL of an artifact
func (h *Handler) artifactURL(a client.Artifact) string {
	if h.publicURL == nil {
		return h.backend.ViewURL(a)
	}
	u := *h.publicURL
	u.Path = h.publicURL.Path + "/view"
	u.RawQuery = url.Values{
		"filename":  {a.Filename},
		"subfolder": {a.Subfolder},
		"type":      {a.Type},
	}.Encode()
	return u.String()
}

// view proxies an artifact from the backend
func (h *Handler) view(c *gin.Context) {
	a := client.Artifact{
		Filename:  c.Query("filename"),
		Subfolder: c.Query("subfolder"),
		Type:      c.DefaultQuery("type", "output"),
	}
	if a.Filename == "" || strings.Contains(a.Filename, "..") || strings.Contains(a.Subfolder, "..") {
		c.JSON(http.StatusBadRequest, Response{Status: StatusError, Message: "Invalid artifact."})
		return
	}

	data, err := h.backend.GetView(c.Request.Context(), a)
	if err != nil {
		h.logger.Warn("fetching artifact", "filename", a.Filename, "error", err)
		c.JSON(http.StatusBadGateway, Response{Status: StatusError, Message: "The artifact could not be fetched."})
		return
	}

	contentType := mime.TypeByExtension(path.Ext(a.Filename))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handler) startMarathon(c *gin.Context) {
	var req MarathonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Status: StatusError, Message: "Invalid request body."})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.respond(c, nil, pipeline.ErrEmptyPrompt, "")
		return
	}
	if req.Count < 1 || req.Count > h.maxCount {
		c.JSON(http.StatusBadRequest, Response{
			Status:  StatusError,
			Message: fmt.Sprintf("count must be between 1 and %d.", h.maxCount),
			Echo:    req.Prompt,
		})
		return
	}

	session := req.Session
	if session == "" {
		session = uuid.New().String()
	}
	h.sessions.Begin(session, req.Count)

	dreamReq := pipeline.DreamRequest{Prompt: req.Prompt, Workflow: req.Workflow}
	go func() {
		n, err := h.gen.Marathon(h.ctx, h.sessions, session, dreamReq, req.Count, func(i int, res *pipeline.Result, err error) {
			if err != nil {
				h.logger.Warn("marathon iteration failed", "session", session, "iteration", i, "error", err)
				return
			}
			h.logger.Info("marathon iteration done", "session", session, "iteration", i, "prompt_id", res.PromptID)
		})
		h.logger.Info("marathon finished", "session", session, "completed", n, "count", req.Count, "error", err)
	}()

	c.JSON(http.StatusAccepted, Response{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("Marathon of %d dreams set sail.", req.Count),
		Echo:    req.Prompt,
		Session: session,
	})
}

func (h *Handler) marathonStatus(c *gin.Context) {
	st, ok := h.sessions.Status(c.Param("session"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{Status: StatusError, Message: "Marathon not found."})
		return
	}
	c.JSON(http.StatusOK, MarathonResponse{Status: StatusSuccess, Marathon: st})
}

func (h *Handler) cancelMarathon(c *gin.Context) {
	session := c.Param("session")
	if !h.sessions.Cancel(session) {
		c.JSON(http.StatusNotFound, Response{Status: StatusError, Message: "Marathon not found."})
		return
	}
	c.JSON(http.StatusOK, Response{
		Status:  StatusSuccess,
		Message: "The marathon will stop after the current dream.",
		Session: session,
	})
}
