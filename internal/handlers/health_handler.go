package handlers

import (
	"context"
	"net/http"
	"text/template"
	"time"

	"intoview/internal/config"
	"intoview/internal/llm"
	"intoview/internal/utils"
)

const readinessTimeout = 2 * time.Second

type ReadinessCheck struct {
	Status  string `json:"status"` // "ok" | "failed"
	Message string `json:"message,omitempty"`
}

type ReadinessResponse struct {
	Status  string                    `json:"status"`  // "ready" | "not_ready"
	Service string                    `json:"service"` // Service name
	Checks  map[string]ReadinessCheck `json:"checks"`  // Individual check results
}

// DBPinger is satisfied by *sql.DB.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

type RedisPinger interface {
	Ping(ctx context.Context) error
}

type TemplateSource interface {
	GetTemplates() map[string]map[string]*template.Template
}

type HealthHandler struct {
	provider  llm.Provider
	templates TemplateSource
	db        DBPinger
	redis     RedisPinger
	config    *config.Config
}

func NewHealthHandler(provider llm.Provider, templates TemplateSource, db DBPinger, redis RedisPinger, cfg *config.Config) *HealthHandler {
	return &HealthHandler{
		provider:  provider,
		templates: templates,
		db:        db,
		redis:     redis,
		config:    cfg,
	}
}

func (handler *HealthHandler) HealthzHandler(writer http.ResponseWriter, request *http.Request) {
	utils.JSON(writer, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "intoview",
		"version": "1.0.0",
	})
}

func (handler *HealthHandler) ReadyzHandler(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]ReadinessCheck)
	allChecksPass := true
	record := func(name string, failure string) {
		if failure != "" {
			checks[name] = ReadinessCheck{Status: "failed", Message: failure}
			allChecksPass = false
			return
		}
		checks[name] = ReadinessCheck{Status: "ok"}
	}

	switch {
	case handler.provider == nil:
		record("provider", "Reasoning provider not initialized")
	default:
		record("provider", "")
	}

	switch {
	case handler.templates == nil:
		record("prompt_manager", "Prompt manager not initialized")
	case len(handler.templates.GetTemplates()) == 0:
		record("prompt_manager", "No prompt templates loaded")
	default:
		record("prompt_manager", "")
	}

	switch {
	case handler.db == nil:
		record("database", "Database not initialized")
	default:
		if err := handler.db.PingContext(ctx); err != nil {
			record("database", "Database unreachable: "+err.Error())
		} else {
			record("database", "")
		}
	}

	// realtime fan-out degrades to polling without redis, so it is reported but optional
	if handler.redis != nil {
		if err := handler.redis.Ping(ctx); err != nil {
			checks["redis"] = ReadinessCheck{Status: "failed", Message: "Redis unreachable: " + err.Error()}
		} else {
			checks["redis"] = ReadinessCheck{Status: "ok"}
		}
	}

	switch {
	case handler.config == nil:
		record("configuration", "Configuration not loaded")
	default:
		record("configuration", "")
	}

	response := ReadinessResponse{
		Service: "intoview",
		Checks:  checks,
	}

	if allChecksPass {
		response.Status = "ready"
		utils.JSON(writer, http.StatusOK, response)
	} else {
		response.Status = "not_ready"
		utils.JSON(writer, http.StatusServiceUnavailable, response)
	}
}
