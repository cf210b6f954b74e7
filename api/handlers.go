package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"portfolio-kanban/board"
	"portfolio-kanban/domain"
)

// Deps collects what the HTTP handlers need.
type Deps struct {
	Store     Storage
	Boards    Boards
	// Queue receives move commands. It defaults to Store.
	Queue     CommandQueue
	Auth      Authenticator
	Deduper   Deduper
	Sender    *CommandSender
	Workspace domain.Workspace
	Logger    *log.Logger

	// Redis and UpdatesChannel enable the board stream. Without them the
	// stream route is not registered.
	Redis          *redis.Client
	UpdatesChannel string

	// EnqueueTimeout bounds inline enqueues when the sender is saturated.
	EnqueueTimeout time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Queue == nil {
		d.Queue = d.Store
	}
	if d.EnqueueTimeout <= 0 {
		d.EnqueueTimeout = 60 * time.Second
	}

	e.GET("/api/types", getTypes(d))
	e.GET("/api/board", getBoard(d))
	e.POST("/api/items/:id/state", postItemState(d), middleware.BodyLimit(postStateMaxSize))
	e.GET("/api/settings", getSettings(d))
	e.PUT("/api/settings", putSettings(d), middleware.BodyLimit(putSettingsMaxSize))
	if d.Redis != nil && d.UpdatesChannel != "" {
		e.GET("/api/board/stream", streamBoard(d))
	}
	e.GET("/healthz", healthz(d))
}

func healthz(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if _, err := d.Store.FetchTypes(ctx, d.Workspace.ID); err != nil {
			d.Logger.Warnf("healthz: storage unavailable: %v", err)
			return c.String(http.StatusServiceUnavailable, "storage unavailable")
		}
		if d.Redis != nil {
			if err := d.Redis.Ping(ctx).Err(); err != nil {
				d.Logger.Warnf("healthz: redis unavailable: %v", err)
				return c.String(http.StatusServiceUnavailable, "redis unavailable")
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

func getTypes(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		types, err := d.Boards.Types(c.Request().Context(), d.Workspace.ID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if types == nil {
			types = []domain.WorkflowType{}
		}
		return c.JSON(http.StatusOK, typesResponse{Types: types})
	}
}

func getBoard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, d.Logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		format := strings.TrimSpace(c.QueryParam("format"))
		metrics.SetFormat(format)
		renderer, fmtErr := board.NewRenderer(format)
		if fmtErr != nil {
			metrics.SetErrorStage("invalid_format")
			return c.String(http.StatusBadRequest, fmtErr.Error())
		}

		typeRef := strings.TrimSpace(c.QueryParam("type"))
		metrics.SetType(typeRef)

		loadStart := time.Now()
		b, loadErr := loadBoard(ctx, d, userID, typeRef)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			if errors.Is(loadErr, domain.ErrTypeNotFound) {
				metrics.SetErrorStage("unknown_type")
				return c.String(http.StatusNotFound, "unknown type")
			}
			metrics.SetErrorStage("storage")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, loadErr.Error())
			return err
		}
		metrics.SetType(b.Type.Ref)
		metrics.SetColumns(len(b.Columns), cardCount(b))

		renderStart := time.Now()
		c.Response().Header().Set(echo.HeaderContentType, renderer.ContentType())
		c.Response().WriteHeader(http.StatusOK)
		err = renderer.Render(c.Response(), b)
		metrics.ObserveRender(time.Since(renderStart))
		if err != nil {
			metrics.SetErrorStage("render")
		}
		return err
	}
}

// loadBoard loads the board of typeRef with the caller's settings applied.
func loadBoard(ctx context.Context, d Deps, userID, typeRef string) (domain.Board, error) {
	settings, err := d.Store.FetchSettings(ctx, userID)
	if err != nil {
		return domain.Board{}, err
	}
	return d.Boards.Load(ctx, board.Request{
		Workspace: d.Workspace,
		TypeRef:   typeRef,
		Settings:  settings,
	})
}

func cardCount(b domain.Board) int {
	n := 0
	for _, col := range b.Columns {
		n += col.CardCount
	}
	return n
}

func postItemState(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		itemRef := strings.TrimSpace(c.Param("id"))
		if itemRef == "" {
			return c.String(http.StatusBadRequest, "missing item id")
		}

		var req moveRequest
		if err := decodeBody(c.Request().Body, &req); err != nil {
			return badBody(c, err)
		}
		req.StateRef = strings.TrimSpace(req.StateRef)

		ctx := c.Request().Context()
		item, err := d.Store.FetchItem(ctx, d.Workspace.ID, itemRef)
		if err != nil {
			if errors.Is(err, domain.ErrItemNotFound) {
				return c.String(http.StatusNotFound, "unknown item")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if req.StateRef != "" {
			if err := validateState(ctx, d.Store, d.Workspace.ID, item.TypeRef, req.StateRef); err != nil {
				if errors.Is(err, domain.ErrStateNotFound) {
					return c.String(http.StatusBadRequest, "state does not belong to item type")
				}
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, err.Error())
			}
		}

		key := strings.TrimSpace(req.IdempotencyKey)
		if key == "" {
			key = uuid.NewString()
		}
		cmd, err := domain.NewStateChangeCommand(key, domain.StateChange{
			ItemRef:  item.Ref,
			TypeRef:  item.TypeRef,
			StateRef: req.StateRef,
			Rank:     req.Rank,
		})
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to build command")
		}
		cmd.ID = key
		cmd.Timestamp = nextTimestamp()

		// Only a command that will be enqueued may claim the key.
		scope := dedupeScope(d.Workspace.ID, userID)
		var added []string
		if d.Deduper != nil {
			fresh, err := d.Deduper.Add(ctx, scope, key)
			if err != nil {
				c.Logger().Errorf("dedupe failed: %v", err)
				return c.String(http.StatusInternalServerError, "failed to record command")
			}
			if !fresh {
				return c.JSON(http.StatusAccepted, moveResponse{IdempotencyKey: key, Duplicate: true})
			}
			added = append(added, key)
		}

		job := enqueueJob{
			workspaceID: d.Workspace.ID,
			userID:      userID,
			cmds:        []domain.Command{cmd},
			added:       added,
		}
		if d.Sender != nil && d.Sender.TrySubmit(job) {
			return c.JSON(http.StatusAccepted, moveResponse{IdempotencyKey: key})
		}

		d.Logger.Warn("enqueue buffer saturated; processing inline")
		if err := enqueueInline(d, job); err != nil {
			c.Logger().Errorf("enqueue inline failed: %v", err)
			return c.JSON(http.StatusInternalServerError, moveResponse{IdempotencyKey: key, Error: "failed to enqueue command"})
		}
		return c.JSON(http.StatusAccepted, moveResponse{IdempotencyKey: key})
	}
}

func enqueueInline(d Deps, job enqueueJob) error {
	if d.Sender != nil {
		return d.Sender.send(context.Background(), job)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.EnqueueTimeout)
	defer cancel()
	err := d.Queue.EnqueueCommands(ctx, job.workspaceID, job.userID, job.cmds)
	if err != nil && d.Deduper != nil {
		scope := dedupeScope(job.workspaceID, job.userID)
		for _, k := range job.added {
			if rerr := d.Deduper.Remove(context.Background(), scope, k); rerr != nil {
				d.Logger.Errorf("dedupe rollback failed, err: %v, key: %s", rerr, k)
			}
		}
	}
	return err
}

// validateState checks that stateRef is an enabled state of typeRef.
func validateState(ctx context.Context, store Storage, workspaceID, typeRef, stateRef string) error {
	states, err := store.FetchStates(ctx, workspaceID, typeRef)
	if err != nil {
		return err
	}
	for _, st := range states {
		if st.Ref == stateRef {
			return nil
		}
	}
	return domain.ErrStateNotFound
}

func getSettings(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		settings, err := d.Store.FetchSettings(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, settings)
	}
}

func putSettings(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var settings domain.Settings
		if err := decodeBody(c.Request().Body, &settings); err != nil {
			return badBody(c, err)
		}
		settings.Fields = strings.Join(settings.FieldList(), ",")
		if err := d.Store.SaveSettings(c.Request().Context(), userID, settings); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, settings)
	}
}

// decodeBody reads the whole body first so a route's BodyLimit error reaches
// the handler unchanged.
func decodeBody(body io.Reader, out any) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func badBody(c echo.Context, err error) error {
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		return c.String(http.StatusRequestEntityTooLarge, "body too large")
	}
	return c.String(http.StatusBadRequest, "invalid body")
}
