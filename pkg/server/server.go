// Package server exposes agent memory over an HTTP/JSON API.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/membank/membank/pkg/api"
	"github.com/membank/membank/pkg/memory"
)

var tracer = otel.Tracer("github.com/membank/membank/pkg/server")

type Server struct {
	e     *echo.Echo
	store memory.Store
}

type Option func(*options)

type options struct {
	apiKey string
}

// WithAPIKey requires every request (except the health check) to present
// the given key as a bearer token.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

func New(store memory.Store, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(tracingMiddleware)
	if o.apiKey != "" {
		e.Use(keyAuthMiddleware(o.apiKey))
	}

	s := &Server{
		e:     e,
		store: store,
	}

	group := e.Group("/api")

	// Health check endpoint
	group.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Agent lifecycle
	group.POST("/agents", s.createAgent)
	group.GET("/agents", s.getAgents)
	group.GET("/agents/:id", s.getAgent)
	group.DELETE("/agents/:id", s.deleteAgent)

	// Core memory
	group.GET("/agents/:id/memory", s.getAgentMemory)
	group.POST("/agents/:id/memory", s.updateAgentMemory)

	// Recall memory
	group.POST("/agents/:id/memory/recall", s.appendRecall)
	group.GET("/agents/:id/memory/recall", s.searchRecall)

	// Archival memory
	group.POST("/agents/:id/memory/archival", s.insertArchival)
	group.GET("/agents/:id/memory/archival", s.searchArchival)
	group.DELETE("/agents/:id/memory/archival/:entry_id", s.deleteArchival)

	return s, nil
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		slog.Error("Failed to start server", "error", err)
		return err
	}

	return nil
}

// keyAuthMiddleware validates the bearer token against the configured key.
// The health check stays reachable without credentials.
func keyAuthMiddleware(apiKey string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:Authorization:Bearer ,header:X-API-Key",
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/api/ping"
		},
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1, nil
		},
	})
}

func tracingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), c.Request().Method+" "+c.Path())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request().Method),
			attribute.String("http.route", c.Path()),
		)

		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) createAgent(c echo.Context) error {
	var req api.CreateAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	agent, err := s.store.CreateAgent(c.Request().Context(), req.Name, memory.CoreMemory{
		Human:   req.Human,
		Persona: req.Persona,
	})
	if err != nil {
		return storeError(err, "failed to create agent")
	}

	return c.JSON(http.StatusCreated, api.FromAgent(agent))
}

func (s *Server) getAgents(c echo.Context) error {
	agents, err := s.store.ListAgents(c.Request().Context())
	if err != nil {
		return storeError(err, "failed to list agents")
	}

	responses := make([]api.Agent, len(agents))
	for i, agent := range agents {
		responses[i] = api.FromAgent(agent)
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) getAgent(c echo.Context) error {
	agent, err := s.store.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err, "failed to get agent")
	}

	return c.JSON(http.StatusOK, api.FromAgent(agent))
}

func (s *Server) deleteAgent(c echo.Context) error {
	if err := s.store.DeleteAgent(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(err, "failed to delete agent")
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "agent deleted"})
}

func (s *Server) getAgentMemory(c echo.Context) error {
	record, err := s.store.FetchMemory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err, "failed to fetch agent memory")
	}

	return c.JSON(http.StatusOK, api.GetAgentMemoryResponse{
		CoreMemory:     api.FromCoreMemory(record.CoreMemory),
		RecallMemory:   record.RecallCount,
		ArchivalMemory: record.ArchivalCount,
	})
}

func (s *Server) updateAgentMemory(c echo.Context) error {
	var req api.UpdateAgentMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	// A nil field was absent from the body and means "leave unchanged".
	old, updated, err := s.store.UpdateCoreMemory(c.Request().Context(), c.Param("id"), memory.CoreMemoryUpdate{
		Human:   req.Human,
		Persona: req.Persona,
	})
	if err != nil {
		return storeError(err, "failed to update agent memory")
	}

	return c.JSON(http.StatusOK, api.UpdateAgentMemoryResponse{
		OldCoreMemory: api.FromCoreMemory(old),
		NewCoreMemory: api.FromCoreMemory(updated),
	})
}

func (s *Server) appendRecall(c echo.Context) error {
	var req api.AppendRecallRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	messages := make([]memory.RecallMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = memory.RecallMessage{Role: msg.Role, Content: msg.Content}
		if msg.CreatedAt != "" {
			createdAt, err := time.Parse(time.RFC3339, msg.CreatedAt)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid created_at: %v", err))
			}
			messages[i].CreatedAt = createdAt
		}
	}

	if err := s.store.AppendRecall(c.Request().Context(), c.Param("id"), messages); err != nil {
		return storeError(err, "failed to append recall messages")
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "messages appended"})
}

func (s *Server) searchRecall(c echo.Context) error {
	agentID := c.Param("id")
	query := c.QueryParam("query")
	limit := queryLimit(c)

	start, err := queryTime(c, "start")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
	}
	end, err := queryTime(c, "end")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
	}

	var messages []memory.RecallMessage
	if !start.IsZero() || !end.IsZero() {
		messages, err = s.store.SearchRecallByDate(c.Request().Context(), agentID, start, end, limit)
	} else {
		messages, err = s.store.SearchRecall(c.Request().Context(), agentID, query, limit)
	}
	if err != nil {
		return storeError(err, "failed to search recall memory")
	}

	results := api.FromRecallMessages(messages)
	return c.JSON(http.StatusOK, api.SearchRecallResponse{
		Messages: results,
		Total:    len(results),
	})
}

func (s *Server) insertArchival(c echo.Context) error {
	var req api.InsertArchivalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content cannot be empty")
	}

	entry, err := s.store.InsertArchival(c.Request().Context(), c.Param("id"), req.Content)
	if err != nil {
		return storeError(err, "failed to insert archival entry")
	}

	return c.JSON(http.StatusCreated, api.ArchivalEntry{
		ID:        entry.ID,
		Content:   entry.Content,
		CreatedAt: entry.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) searchArchival(c echo.Context) error {
	entries, err := s.store.SearchArchival(c.Request().Context(), c.Param("id"), c.QueryParam("query"), queryLimit(c))
	if err != nil {
		return storeError(err, "failed to search archival memory")
	}

	results := api.FromArchivalEntries(entries)
	return c.JSON(http.StatusOK, api.SearchArchivalResponse{
		Entries: results,
		Total:   len(results),
	})
}

func (s *Server) deleteArchival(c echo.Context) error {
	err := s.store.DeleteArchival(c.Request().Context(), c.Param("id"), c.Param("entry_id"))
	if err != nil {
		return storeError(err, "failed to delete archival entry")
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "entry deleted"})
}

// storeError maps typed store failures to HTTP statuses.
func storeError(err error, message string) *echo.HTTPError {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrEmptyID), errors.Is(err, memory.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound), errors.Is(err, memory.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(status, fmt.Sprintf("%s: %v", message, err))
}

func queryLimit(c echo.Context) int {
	limitStr := c.QueryParam("limit")
	if limitStr == "" {
		return 0
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	value := c.QueryParam(name)
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}
