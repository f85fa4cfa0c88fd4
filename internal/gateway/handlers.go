// Package gateway exposes the broadcast gateway HTTP surface: join
// authorization, lifecycle transitions, the SSE push channel, and the
// internal notify endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/access"
	"github.com/kodegeo/showgeo2-sub002/internal/domain"
	"github.com/kodegeo/showgeo2-sub002/internal/fanout"
	"github.com/kodegeo/showgeo2-sub002/internal/lifecycle"
	"github.com/kodegeo/showgeo2-sub002/internal/registry"
)

const joinRequestMaxSize = 16 * 1024 // 16 KiB

// Authenticator resolves an Authorization header to a stable user id.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// EventStore provides the event reads the transport-level owner check
// needs.
type EventStore interface {
	EventByID(ctx context.Context, id string) (*domain.Event, error)
}

// Config carries the collaborators the gateway routes are wired to.
type Config struct {
	Gate        *access.Gate
	Issuer      *access.Issuer
	Lifecycle   *lifecycle.Service
	Registry    *registry.Registry
	Fanout      *fanout.Fanout
	Auth        Authenticator
	Events      EventStore
	NotifyToken string
	Logger      *log.Logger
}

// Register wires up all gateway routes on the provided Echo instance.
func Register(e *echo.Echo, cfg Config) {
	e.POST("/api/join", postJoin(cfg))
	e.POST("/api/events/:id/pre-live", postTransition(cfg, cfg.Lifecycle.LaunchPreLive))
	e.POST("/api/events/:id/live", postTransition(cfg, cfg.Lifecycle.GoLive))
	e.POST("/api/events/:id/end", postTransition(cfg, cfg.Lifecycle.EndLive))
	e.POST("/api/events/:id/cancel", postTransition(cfg, cfg.Lifecycle.Cancel))
	e.GET("/api/stream", streamHandler(cfg))
	e.POST("/internal/notify", postNotify(cfg))
	e.POST("/internal/notify/unread", postNotifyUnread(cfg))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

type joinRequest struct {
	SessionID   string           `json:"sessionId"`
	Role        string           `json:"role"`
	TicketProof bool             `json:"ticketProof"`
	Geo         domain.GeoClaims `json:"geo"`
}

type joinErrorResponse struct {
	Error string `json:"error"`
}

func postJoin(cfg Config) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newJoinRequestMetrics(c.Request().Context(), cfg.Logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		lr := io.LimitReader(c.Request().Body, joinRequestMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var req joinRequest
		if decErr := dec.Decode(&req); decErr != nil || req.SessionID == "" {
			metrics.SetErrorStage("invalid_body")
			err = c.JSON(http.StatusBadRequest, joinErrorResponse{Error: "invalid body"})
			return err
		}

		role := domain.Role(strings.ToLower(req.Role))
		if role == "" {
			role = domain.RoleViewer
		}
		if role != domain.RoleViewer && role != domain.RoleBroadcaster {
			metrics.SetErrorStage("invalid_role")
			err = c.JSON(http.StatusBadRequest, joinErrorResponse{Error: "invalid role"})
			return err
		}
		metrics.SetRole(string(role))

		// The join endpoint admits anonymous callers; the gate decides
		// whether the session's access level tolerates them.
		callerID := ""
		if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
			authStart := time.Now()
			callerID, err = cfg.Auth.UserIDFromAuthHeader(h)
			metrics.ObserveAuth(time.Since(authStart))
			if err != nil {
				metrics.SetErrorStage("auth")
				err = c.JSON(http.StatusUnauthorized, joinErrorResponse{Error: err.Error()})
				return err
			}
		}
		metrics.SetAnonymous(callerID == "")

		gateStart := time.Now()
		auth, gateErr := cfg.Gate.Authorize(c.Request().Context(), access.JoinRequest{
			SessionID:   req.SessionID,
			Role:        role,
			CallerID:    callerID,
			TicketProof: req.TicketProof,
			Geo:         req.Geo,
		})
		metrics.ObserveGate(time.Since(gateStart))
		if gateErr != nil {
			status, stage := joinDenialStatus(gateErr)
			metrics.SetErrorStage(stage)
			if status == http.StatusInternalServerError {
				c.Logger().Error(gateErr)
				err = c.JSON(status, joinErrorResponse{Error: "internal error"})
				return err
			}
			err = c.JSON(status, joinErrorResponse{Error: stage})
			return err
		}

		issueStart := time.Now()
		cred, issueErr := cfg.Issuer.Issue(auth)
		metrics.ObserveIssue(time.Since(issueStart))
		if issueErr != nil {
			metrics.SetErrorStage("issue")
			c.Logger().Error(issueErr)
			err = c.JSON(http.StatusInternalServerError, joinErrorResponse{Error: "credential issuance failed"})
			return err
		}
		err = c.JSON(http.StatusOK, cred)
		return err
	}
}

// joinDenialStatus maps a gate error to an HTTP status and a stable
// machine-readable reason. The reason names the failing check only, never
// the rule contents.
func joinDenialStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, domain.ErrSessionInactive):
		return http.StatusGone, "session_inactive"
	case errors.Is(err, domain.ErrRoleNotPermitted):
		return http.StatusForbidden, "role_not_permitted"
	case errors.Is(err, domain.ErrAccessLevelDenied):
		return http.StatusForbidden, "access_level_denied"
	case errors.Is(err, domain.ErrGeofenceDenied):
		return http.StatusForbidden, "geofence_denied"
	default:
		return http.StatusInternalServerError, "gate"
	}
}

type eventResponse struct {
	ID     string `json:"id"`
	Phase  string `json:"phase"`
	Status string `json:"status"`
}

// postTransition runs one lifecycle operation. Only the event owner may
// transition an event; that check lives here so the lifecycle service can
// assume an authorized caller.
func postTransition(cfg Config, op func(context.Context, string) (*domain.Event, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := cfg.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, joinErrorResponse{Error: err.Error()})
		}
		eventID := c.Param("id")
		ev, err := cfg.Events.EventByID(c.Request().Context(), eventID)
		if err != nil {
			c.Logger().Error(err)
			return c.NoContent(http.StatusInternalServerError)
		}
		if ev == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if ev.OwnerID != userID {
			return c.JSON(http.StatusForbidden, joinErrorResponse{Error: "not the event owner"})
		}

		ev, err = op(c.Request().Context(), eventID)
		if err != nil {
			var tErr *domain.InvalidTransitionError
			switch {
			case errors.As(err, &tErr):
				return c.JSON(http.StatusConflict, joinErrorResponse{Error: tErr.Error()})
			case errors.Is(err, domain.ErrEventNotFound):
				return c.NoContent(http.StatusNotFound)
			default:
				c.Logger().Error(err)
				return c.NoContent(http.StatusInternalServerError)
			}
		}
		return c.JSON(http.StatusOK, eventResponse{
			ID:     ev.ID,
			Phase:  string(ev.State.Phase()),
			Status: string(ev.State.Status()),
		})
	}
}

func streamHandler(cfg Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam("token")
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := cfg.Auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		// Write an initial comment to ensure headers are flushed to the client.
		if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		connID := uuid.NewString()
		h := cfg.Registry.Register(userID, connID, c.QueryParam("event"))
		defer cfg.Registry.Deregister(userID, connID)

		ctx := c.Request().Context()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case msg := <-h.Messages():
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(msg); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				// Comment heartbeat keeps intermediaries from closing the stream.
				if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-h.Done():
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func notifyAuthorized(c echo.Context, token string) bool {
	parts := strings.SplitN(c.Request().Header.Get(echo.HeaderAuthorization), " ", 2)
	return len(parts) == 2 && parts[0] == "Bearer" && token != "" && parts[1] == token
}

type notifyRequest struct {
	UserID  string          `json:"userId"`
	UserIDs []string        `json:"userIds"`
	Payload json.RawMessage `json:"payload"`
}

func postNotify(cfg Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !notifyAuthorized(c, cfg.NotifyToken) {
			return c.NoContent(http.StatusUnauthorized)
		}
		var req notifyRequest
		if err := c.Bind(&req); err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		if req.UserID == "" && len(req.UserIDs) == 0 {
			return c.NoContent(http.StatusBadRequest)
		}
		payload := []byte(req.Payload)
		if len(req.UserIDs) > 0 {
			cfg.Fanout.BroadcastToUsers(req.UserIDs, payload)
		} else {
			cfg.Fanout.NotifyUser(req.UserID, payload)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

type unreadRequest struct {
	UserID string `json:"userId"`
	Count  int    `json:"count"`
}

func postNotifyUnread(cfg Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !notifyAuthorized(c, cfg.NotifyToken) {
			return c.NoContent(http.StatusUnauthorized)
		}
		var req unreadRequest
		if err := c.Bind(&req); err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		if req.UserID == "" || req.Count < 0 {
			return c.NoContent(http.StatusBadRequest)
		}
		cfg.Fanout.NotifyUnreadCount(req.UserID, req.Count)
		return c.NoContent(http.StatusAccepted)
	}
}
