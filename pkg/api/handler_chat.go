package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/storage"
)

// allowedUploadExtensions is the closed set of tabular file types the
// upload endpoint accepts, matching what the intent classifier treats as
// tabular input. Anything else is rejected before it ever reaches Storage.
var allowedUploadExtensions = map[string]bool{
	".csv":  true,
	".tsv":  true,
	".xls":  true,
	".xlsx": true,
	".json": true,
}

// sendMessageHandler handles POST /api/v1/conversations/:chat_id/message.
func (s *Server) sendMessageHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")

	var req models.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text must not be empty")
	}

	result, err := s.chatService.SendMessage(c.Request().Context(), chatID, req.Text)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, result, ""))
}

// uploadFileHandler handles POST /api/v1/conversations/:chat_id/upload
// (multipart/form-data, field "file").
func (s *Server) uploadFileHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !allowedUploadExtensions[ext] {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported file type %q", ext))
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not open uploaded file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read uploaded file")
	}

	result, err := s.chatService.UploadFile(c.Request().Context(), chatID, fh.Filename, data)
	if err != nil {
		return mapServiceError(err)
	}
	result.DownloadURL = absoluteURL(c, "/api/v1"+result.DownloadURL)

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, result, ""))
}

// confirmWorkflowHandler handles POST /api/v1/conversations/:chat_id/confirm.
func (s *Server) confirmWorkflowHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")

	var req models.ConfirmWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	result, err := s.chatService.ConfirmWorkflow(c.Request().Context(), chatID, req)
	if err != nil {
		return mapServiceError(err)
	}

	if req.Confirmed && req.RunAsyncOrDefault() {
		return c.JSON(http.StatusAccepted, newEnvelope(http.StatusAccepted, map[string]string{
			"job_id": result.JobID,
			"status": "submitted",
		}, "workflow submitted"))
	}

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, result, ""))
}

// jobStatusHandler handles GET /api/v1/conversations/:chat_id/workflow/status/:job_id.
func (s *Server) jobStatusHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")
	jobID := c.Param("job_id")

	job, err := s.chatService.GetJobStatus(chatID, jobID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, job, ""))
}

// historyHandler handles GET /api/v1/conversations/:chat_id/history.
func (s *Server) historyHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	conv, err := s.chatService.GetHistory(c.Request().Context(), chatID, limit)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, newEnvelope(http.StatusOK, conv.Messages, ""))
}

// downloadFileHandler handles GET /api/v1/conversations/:chat_id/files/:filename.
// A filename containing a path separator or ".." is rejected up front as a
// path escape; any other name is matched against the conversation's recorded
// file entries rather than joined onto a directory, so only a recorded file
// ever reaches Storage.Read.
func (s *Server) downloadFileHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")
	filename := c.Param("filename")

	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return mapServiceError(fmt.Errorf("%w: %q", storage.ErrPathEscape, filename))
	}

	conv, err := s.repo.GetConversation(c.Request().Context(), chatID)
	if err != nil {
		return mapServiceError(err)
	}

	var match string
	for _, p := range append(append([]string{}, conv.UploadedFiles...), conv.OutputFiles...) {
		if filepath.Base(p) == filename {
			match = p
			break
		}
	}
	if match == "" {
		return mapServiceError(fmt.Errorf("%w: %s", storage.ErrFileNotFound, filename))
	}

	data, err := s.repo.ReadFile(match)
	if err != nil {
		return mapServiceError(err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, data)
}
