package api

import (
	"errors"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/frameflow/frameflow/pkg/hub"
)

// wsHandler upgrades the HTTP connection on GET /chat/:chat_id and delegates
// to the Hub, which owns the connection for the rest of its lifetime.
func (s *Server) wsHandler(c *echo.Context) error {
	chatID := c.Param("chat_id")

	if _, err := s.repo.GetConversation(c.Request().Context(), chatID); err != nil {
		return mapServiceError(err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	err = s.hub.HandleConnection(c.Request().Context(), chatID, conn)
	if err != nil && !errors.Is(err, hub.ErrHubFull) {
		return err
	}
	return nil
}
