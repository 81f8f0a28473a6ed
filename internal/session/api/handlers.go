package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/model"
	"github.com/droidpilot/droidpilot/internal/session"
	"github.com/droidpilot/droidpilot/internal/store"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

const defaultStatsWindow = time.Hour

// ModelAdmin is the model client surface used by the config and
// telemetry endpoints.
type ModelAdmin interface {
	Config() config.ModelConfig
	UpdateConfig(cfg config.ModelConfig)
	Stats(window time.Duration) model.Summary
}

var _ ModelAdmin = (*model.Client)(nil)

// Handler contains HTTP handlers for sessions, tasks, and runtime
// configuration.
type Handler struct {
	sessions *session.Manager
	model    ModelAdmin
	logger   *logger.Logger
}

// NewHandler creates a new session API handler.
func NewHandler(mgr *session.Manager, modelAdmin ModelAdmin, log *logger.Logger) *Handler {
	return &Handler{
		sessions: mgr,
		model:    modelAdmin,
		logger:   log.WithFields(zap.String("component", "session-api")),
	}
}

// respondError renders err in its application error form. Errors
// without a known code become internal errors.
func (h *Handler) respondError(c *gin.Context, err error, message string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError(message, err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateSession creates a new session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	// Bind JSON body if present, but don't require it
	_ = c.ShouldBindJSON(&req)

	sess := h.sessions.CreateSession(req.UserID)
	c.JSON(http.StatusCreated, sess)
}

// GetSession returns a session with its live state
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sess, err := h.sessions.GetSession(sessionID)
	if err != nil {
		h.respondError(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListSessions returns all known sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.sessions.ListSessions()
	c.JSON(http.StatusOK, SessionsListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// StopSession stops the running task of a session, if any
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) StopSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := h.sessions.Stop(sessionID); err != nil {
		h.respondError(c, err, "failed to stop session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stop requested"})
}

// StartTask starts a task in a session
// POST /api/v1/tasks
func (h *Handler) StartTask(c *gin.Context) {
	var req StartTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	overrides := session.TaskOverrides{
		DeviceID: req.DeviceID,
		MaxSteps: req.MaxSteps,
		Language: req.Language,
		Record:   req.Record,
	}

	task, err := h.sessions.Start(c.Request.Context(), req.SessionID, req.Description, overrides)
	if err != nil {
		h.respondError(c, err, "failed to start task")
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask returns a task record
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")

	task, err := h.sessions.GetTask(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err, "failed to get task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns tasks, newest first
// GET /api/v1/tasks?session_id=&status=&page=&page_size=
func (h *Handler) ListTasks(c *gin.Context) {
	filter := store.TaskFilter{
		SessionID: c.Query("session_id"),
		Status:    v1.TaskStatus(c.Query("status")),
		Page:      pageFromQuery(c),
	}

	tasks, err := h.sessions.ListTasks(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "failed to list tasks")
		return
	}
	c.JSON(http.StatusOK, TasksListResponse{
		Tasks: tasks,
		Total: len(tasks),
	})
}

// StopTask cancels a running task
// POST /api/v1/tasks/:taskId/stop
func (h *Handler) StopTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.sessions.StopTask(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err, "failed to stop task")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stop requested"})
}

// GetTaskSteps returns the recorded steps of a task, including rows
// cached for the task still running
// GET /api/v1/tasks/:taskId/steps?page=&page_size=
func (h *Handler) GetTaskSteps(c *gin.Context) {
	taskID := c.Param("taskId")

	steps, err := h.sessions.GetSteps(c.Request.Context(), taskID, pageFromQuery(c))
	if err != nil {
		h.respondError(c, err, "failed to get task steps")
		return
	}
	c.JSON(http.StatusOK, StepsListResponse{
		Steps: steps,
		Total: len(steps),
	})
}

// GetConfig returns the runtime configuration with the API key masked
// GET /api/v1/config
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.configView())
}

// UpdateConfig changes the defaults applied to subsequent tasks.
// The running task, if any, keeps the configuration it started with.
// PUT /api/v1/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.Model != nil {
		cfg := h.model.Config()
		if req.Model.BaseURL != nil {
			cfg.BaseURL = *req.Model.BaseURL
		}
		if req.Model.Name != nil {
			cfg.Name = *req.Model.Name
		}
		if req.Model.APIKey != nil {
			cfg.APIKey = *req.Model.APIKey
		}
		if req.Model.MaxTokens != nil {
			cfg.MaxTokens = *req.Model.MaxTokens
		}
		if req.Model.Temperature != nil {
			cfg.Temperature = *req.Model.Temperature
		}
		if req.Model.TopP != nil {
			cfg.TopP = *req.Model.TopP
		}
		h.model.UpdateConfig(cfg)
	}

	if req.Agent != nil {
		cfg := h.sessions.Defaults()
		if req.Agent.MaxSteps != nil {
			cfg.MaxSteps = *req.Agent.MaxSteps
		}
		if req.Agent.Language != nil {
			cfg.Language = *req.Agent.Language
		}
		if req.Agent.Record != nil {
			cfg.Record = *req.Agent.Record
		}
		h.sessions.SetDefaults(cfg)
	}

	c.JSON(http.StatusOK, h.configView())
}

// GetModelStats returns aggregated model request telemetry
// GET /api/v1/model/stats?window=1h
func (h *Handler) GetModelStats(c *gin.Context) {
	window := defaultStatsWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			appErr := errors.BadRequest("invalid window duration: " + raw)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		window = parsed
	}
	c.JSON(http.StatusOK, h.model.Stats(window))
}

// HealthCheck returns health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

func (h *Handler) configView() ConfigResponse {
	modelCfg := h.model.Config()
	agentCfg := h.sessions.Defaults()
	return ConfigResponse{
		Model: ModelConfigView{
			BaseURL:     modelCfg.BaseURL,
			Name:        modelCfg.Name,
			APIKey:      maskKey(modelCfg.APIKey),
			MaxTokens:   modelCfg.MaxTokens,
			Temperature: modelCfg.Temperature,
			TopP:        modelCfg.TopP,
		},
		Agent: AgentConfigView{
			MaxSteps: agentCfg.MaxSteps,
			Language: agentCfg.Language,
			Record:   agentCfg.Record,
		},
	}
}

// maskKey hides all but the last four characters of an API key.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// pageFromQuery parses 1-based page/page_size query values. A zero
// page_size returns every row.
func pageFromQuery(c *gin.Context) store.Page {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("page_size", "0"))
	if err != nil || size < 0 {
		size = 0
	}
	return store.Page{Offset: (page - 1) * size, Limit: size}
}
