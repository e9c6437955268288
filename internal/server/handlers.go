package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatus/internal/core"
	"chatus/internal/push"
	"chatus/internal/worker"
)

// CacheHeader reports where a response came from: network, cache or fallback.
const CacheHeader = "X-Chatus-Cache"

// SubscriptionHeader names the push subscription a payload is addressed to,
// as an alternative to the subscription query parameter.
const SubscriptionHeader = "X-Chatus-Subscription"

// Controller is the offline cache controller served over HTTP.
type Controller interface {
	HandleFetch(ctx context.Context, req *core.Request) (*core.Response, error)
	HandleMessage(ctx context.Context, msg worker.Message) (worker.MessageResult, error)
	HandlePush(ctx context.Context, subscription string, raw []byte) (push.Notification, error)
	HandleNotificationClick(ctx context.Context, click push.Click) (push.ClickResult, error)
	HandleNotificationClose(ctx context.Context, closed push.Close)
	HandleSync(ctx context.Context, tag string) error
	HandlePeriodicSync(ctx context.Context, tag string) error
	Status(ctx context.Context) worker.Status
}

// Handler holds the HTTP handlers
type Handler struct {
	ctrl  Controller
	proxy http.Handler
}

// NewHandler creates a new handler. Pass-through requests are sent to proxy;
// without one they get 502.
func NewHandler(ctrl Controller, proxy http.Handler) *Handler {
	return &Handler{
		ctrl:  ctrl,
		proxy: proxy,
	}
}

// Fetch handles every request that is not a controller endpoint.
func (h *Handler) Fetch(c echo.Context) error {
	resp, err := h.ctrl.HandleFetch(c.Request().Context(), core.FromHTTP(c.Request()))
	if errors.Is(err, worker.ErrPassthrough) {
		if h.proxy == nil {
			return handleError(c, core.NewNetworkError(c.Request().URL.RequestURI(), errors.New("no origin proxy configured")))
		}
		h.proxy.ServeHTTP(c.Response(), c.Request())
		return nil
	}
	if err != nil {
		return handleError(c, err)
	}
	return writeResponse(c, resp)
}

func writeResponse(c echo.Context, resp *core.Response) error {
	header := c.Response().Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set(CacheHeader, string(resp.Source))
	c.Response().WriteHeader(resp.StatusCode)
	_, err := c.Response().Write(resp.Body)
	return err
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /_sw/status
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ctrl.Status(c.Request().Context()))
}

// Push handles POST /_sw/push?subscription=... The body is the raw push
// payload; it only reaches the client holding the subscription.
func (h *Handler) Push(c echo.Context) error {
	subscription := c.QueryParam("subscription")
	if subscription == "" {
		subscription = c.Request().Header.Get(SubscriptionHeader)
	}
	if subscription == "" {
		return handleError(c, core.NewInvalidRequestError("push subscription is required", nil))
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("failed to read push payload", err))
	}
	n, err := h.ctrl.HandlePush(c.Request().Context(), subscription, raw)
	var edgeErr *core.EdgeError
	if errors.As(err, &edgeErr) {
		return handleError(c, err)
	}
	if err != nil {
		slog.Warn("push notification delivery failed", "error", err, "request_id", core.GetRequestID(c.Request().Context()))
		return handleError(c, core.NewNetworkError("", err))
	}
	return c.JSON(http.StatusCreated, n)
}

// Message handles POST /_sw/message with a page command. URLs fetched for
// the command carry the page's own credentials.
func (h *Handler) Message(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("failed to read message", err))
	}
	msg, err := worker.DecodeMessage(raw)
	if err != nil {
		return handleError(c, err)
	}
	ctx := core.WithCredentials(c.Request().Context(), c.Request().Header)
	res, err := h.ctrl.HandleMessage(ctx, msg)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type syncRequest struct {
	Tag      string `json:"tag"`
	Periodic bool   `json:"periodic"`
}

// Sync handles POST /_sw/sync with {"tag": "...", "periodic": false}.
func (h *Handler) Sync(c echo.Context) error {
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	var err error
	if req.Periodic {
		err = h.ctrl.HandlePeriodicSync(c.Request().Context(), req.Tag)
	} else {
		err = h.ctrl.HandleSync(c.Request().Context(), req.Tag)
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "tag": req.Tag})
}

// NotificationClick handles POST /_sw/notifications/click
func (h *Handler) NotificationClick(c echo.Context) error {
	var click push.Click
	if err := c.Bind(&click); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	res, err := h.ctrl.HandleNotificationClick(c.Request().Context(), click)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// NotificationClose handles POST /_sw/notifications/close
func (h *Handler) NotificationClose(c echo.Context) error {
	var closed push.Close
	if err := c.Bind(&closed); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	h.ctrl.HandleNotificationClose(c.Request().Context(), closed)
	return c.NoContent(http.StatusNoContent)
}

// handleError converts controller errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var edgeErr *core.EdgeError
	if errors.As(err, &edgeErr) {
		return c.JSON(edgeErr.HTTPStatusCode(), edgeErr.ToJSON())
	}

	if errors.Is(err, worker.ErrUnknownMessage) || errors.Is(err, worker.ErrUnknownSyncTag) {
		invalid := core.NewInvalidRequestError(err.Error(), err)
		return c.JSON(invalid.HTTPStatusCode(), invalid.ToJSON())
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
