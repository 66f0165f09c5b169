// Package api exposes the conversational orchestrator over REST and
// WebSocket: request binding, envelope formatting, and error mapping live
// here; all domain logic is delegated to pkg/chat, pkg/repository, and
// pkg/hub.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/frameflow/frameflow/pkg/chat"
	"github.com/frameflow/frameflow/pkg/hub"
	"github.com/frameflow/frameflow/pkg/operations"
	"github.com/frameflow/frameflow/pkg/repository"
)

// maxUploadBytes bounds the request body Echo will read before rejecting it,
// set above the largest upload FrameFlow is expected to handle so ordinary
// spreadsheets clear it with room to spare.
const maxUploadBytes = 64 * 1024 * 1024

// Server is the HTTP + WebSocket front end.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	chatService *chat.Service
	repo        *repository.Repository
	hub         *hub.Hub
	registry    *operations.Registry

	snapshotDir string
}

// NewServer builds a Server with every collaborator already wired; the
// dependency graph is small enough to assemble in one constructor call
// from cmd/frameflow's composition root.
func NewServer(chatService *chat.Service, repo *repository.Repository, h *hub.Hub, registry *operations.Registry, snapshotDir string) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		chatService: chatService,
		repo:        repo,
		hub:         h,
		registry:    registry,
		snapshotDir: snapshotDir,
	}

	e.HTTPErrorHandler = envelopeErrorHandler
	s.setupRoutes()
	return s
}

// ValidateWiring checks that every required collaborator is non-nil, so a
// wiring gap is caught at startup rather than surfacing as a nil-pointer
// panic at request time.
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.chatService == nil {
		errs = append(errs, fmt.Errorf("chatService not set"))
	}
	if s.repo == nil {
		errs = append(errs, fmt.Errorf("repository not set"))
	}
	if s.hub == nil {
		errs = append(errs, fmt.Errorf("hub not set"))
	}
	if s.registry == nil {
		errs = append(errs, fmt.Errorf("operation registry not set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server wiring incomplete: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(maxUploadBytes))

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/conversations", s.createConversationHandler)
	v1.GET("/conversations", s.listConversationsHandler)
	v1.POST("/conversations/restore", s.restoreConversationHandler)
	v1.GET("/conversations/:chat_id", s.getConversationHandler)
	v1.DELETE("/conversations/:chat_id", s.deleteConversationHandler)
	v1.POST("/conversations/:chat_id/message", s.sendMessageHandler)
	v1.POST("/conversations/:chat_id/upload", s.uploadFileHandler)
	v1.POST("/conversations/:chat_id/confirm", s.confirmWorkflowHandler)
	v1.GET("/conversations/:chat_id/workflow/status/:job_id", s.jobStatusHandler)
	v1.GET("/conversations/:chat_id/history", s.historyHandler)
	v1.GET("/conversations/:chat_id/files/:filename", s.downloadFileHandler)
	v1.POST("/conversations/:chat_id/dump", s.dumpConversationHandler)
	v1.GET("/dumps/:filename", s.downloadDumpHandler)

	v1.GET("/operations", s.operationsHandler)
	v1.POST("/sqlite/backup", s.backupHandler)

	s.echo.GET("/chat/:chat_id", s.wsHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used
// by tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, buildHealthResponse(s.hub.ActiveConnections()))
}
