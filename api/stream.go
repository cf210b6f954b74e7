package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"portfolio-kanban/board"
	"portfolio-kanban/domain"
)

const streamKeepAlive = 15 * time.Second

// streamBoard sends the board as server-sent events: once on connect and again
// whenever a change to the board's type is published on the updates channel.
func streamBoard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		if token := c.QueryParam("token"); header == "" && token != "" {
			header = "Bearer " + token
		}
		userID, err := d.Auth.UserIDFromAuthHeader(header)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		ctx := c.Request().Context()
		b, err := loadBoard(ctx, d, userID, strings.TrimSpace(c.QueryParam("type")))
		if err != nil {
			if errors.Is(err, domain.ErrTypeNotFound) {
				return c.String(http.StatusNotFound, "unknown type")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		typeRef := b.Type.Ref

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		sub := d.Redis.Subscribe(ctx, d.UpdatesChannel)
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "subscribe failed")
		}
		updates := sub.Channel()

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.Header().Set(echo.HeaderConnection, "keep-alive")
		resp.Header().Set("X-Accel-Buffering", "no")
		resp.WriteHeader(http.StatusOK)

		if err := writeBoardEvent(resp, b); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case msg, ok := <-updates:
				if !ok {
					return nil
				}
				var ev domain.BoardUpdate
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					d.Logger.Errorf("unable to parse board update: %v", err)
					continue
				}
				if ev.WorkspaceID != d.Workspace.ID || ev.TypeRef != typeRef {
					continue
				}
				b, err := loadBoard(ctx, d, userID, typeRef)
				if err != nil {
					d.Logger.Errorf("reload board: %v", err)
					continue
				}
				if err := writeBoardEvent(resp, b); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeBoardEvent(w *echo.Response, b domain.Board) error {
	var buf bytes.Buffer
	buf.WriteString("event: board\ndata: ")
	if err := (board.JSONRenderer{}).Render(&buf, b); err != nil {
		return err
	}
	// The JSON encoder terminates with a newline; one more ends the event.
	buf.WriteString("\n")
	_, err := w.Write(buf.Bytes())
	return err
}
