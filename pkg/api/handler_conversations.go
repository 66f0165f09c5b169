package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/storage"
)

// createConversationHandler handles POST /api/v1/conversations.
func (s *Server) createConversationHandler(c *echo.Context) error {
	var req models.CreateConversationRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}

	conv, err := s.chatService.CreateConversation(c.Request().Context(), string(req.PartitionStrategy))
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, newEnvelope(http.StatusCreated, conv, "conversation created"))
}

// listConversationsHandler handles GET /api/v1/conversations.
func (s *Server) listConversationsHandler(c *echo.Context) error {
	limit := 50
	offset := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	convs, err := s.repo.ListConversations(c.Request().Context(), c.QueryParam("status"), limit, offset)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, convs, ""))
}

// getConversationHandler handles GET /api/v1/conversations/:chat_id.
func (s *Server) getConversationHandler(c *echo.Context) error {
	conv, err := s.repo.GetConversation(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, conv, ""))
}

// deleteConversationHandler handles DELETE /api/v1/conversations/:chat_id.
func (s *Server) deleteConversationHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")
	if err := s.chatService.DeleteConversation(c.Request().Context(), chatID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, nil, "conversation deleted"))
}

// dumpConversationHandler handles POST /api/v1/conversations/:chat_id/dump.
func (s *Server) dumpConversationHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")
	archivePath, err := s.repo.Dump(c.Request().Context(), chatID)
	if err != nil {
		return mapServiceError(err)
	}

	resp := dumpResponse{
		DumpFile:    archivePath,
		DownloadURL: absoluteURL(c, "/api/v1/dumps/"+filepath.Base(archivePath)),
	}
	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, resp, "conversation archived"))
}

// downloadDumpHandler handles GET /api/v1/dumps/:filename, streaming a
// previously produced archive. A filename containing a path separator or
// ".." is rejected as a path escape before any path is constructed, so
// traversal attempts never leave the dumps directory.
func (s *Server) downloadDumpHandler(c *echo.Context) error {
	filename := c.Param("filename")
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return mapServiceError(fmt.Errorf("%w: %q", storage.ErrPathEscape, filename))
	}

	data, err := s.repo.ReadDump(filename)
	if err != nil {
		return mapServiceError(err)
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	return c.Blob(http.StatusOK, "application/gzip", data)
}

// dumpResponse is the body of POST /conversations/:chat_id/dump.
type dumpResponse struct {
	DumpFile    string `json:"dump_file"`
	DownloadURL string `json:"download_url"`
}

// restoreConversationHandler handles POST /api/v1/conversations/restore.
func (s *Server) restoreConversationHandler(c *echo.Context) error {
	fh, err := c.FormFile("archive")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"archive\" is required")
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not open uploaded archive")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read uploaded archive")
	}

	conv, err := s.repo.Restore(c.Request().Context(), data)
	if err != nil {
		return mapServiceError(err)
	}

	hydrated, err := s.repo.GetConversation(c.Request().Context(), conv.ChatID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, hydrated, "conversation restored"))
}
