// Package statusd serves a small JSON API over a running session: its
// connection status, DCC transfers and offers, a command endpoint and
// Prometheus metrics.
package statusd

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/presbrey/ircdcc/dcc"
	"github.com/presbrey/ircdcc/irc"
	"github.com/presbrey/ircdcc/irc/command"
	"github.com/presbrey/ircdcc/metrics"
	"github.com/presbrey/ircdcc/session"
)

// Backend is the session the API exposes. *session.Session satisfies it.
type Backend interface {
	Status() session.Status
	Input(line, channel string) error
	Transfers() []dcc.Transfer
	Transfer(id string) (dcc.Transfer, error)
	CancelTransfer(id string) error
	PendingOffers() []session.PendingOffer
	AcceptOffer(id string) (dcc.Transfer, error)
}

type Server struct {
	echo    *echo.Echo
	backend Backend
}

// CommandRequest is the body of POST /command
type CommandRequest struct {
	Input   string `json:"input" validate:"required,max=510"`
	Channel string `json:"channel" validate:"omitempty,max=200"`
}

func New(backend Backend) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newValidator()
	e.Use(requestMetrics)

	s := &Server{echo: e, backend: backend}
	s.route(e)
	return s
}

func (s *Server) route(e *echo.Echo) {
	e.GET("/status", s.handleStatus)
	e.GET("/transfers", s.handleTransfers)
	e.GET("/transfers/:id", s.handleTransfer)
	e.POST("/transfers/:id/cancel", s.handleCancel)
	e.GET("/offers", s.handleOffers)
	e.POST("/offers/:id/accept", s.handleAccept)
	e.POST("/command", s.handleCommand)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// Handler returns the API as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handleTransfers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.backend.Transfers())
}

func (s *Server) handleTransfer(c echo.Context) error {
	t, err := s.backend.Transfer(c.Param("id"))
	if err != nil {
		return transferError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.backend.CancelTransfer(id); err != nil {
		return transferError(err)
	}

	t, err := s.backend.Transfer(id)
	if err != nil {
		// a rejected offer has no transfer record
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleOffers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.backend.PendingOffers())
}

func (s *Server) handleAccept(c echo.Context) error {
	t, err := s.backend.AcceptOffer(c.Param("id"))
	if err != nil {
		return transferError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleCommand(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := s.backend.Input(req.Input, req.Channel); err != nil {
		var usage *command.UsageError
		switch {
		case errors.As(err, &usage), errors.Is(err, command.ErrUnknownCommand), errors.Is(err, command.ErrInvalidArgument):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, irc.ErrNotConnected):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

func transferError(err error) error {
	switch {
	case errors.Is(err, dcc.ErrNotFound), errors.Is(err, session.ErrNoOffer):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, dcc.ErrFinished), errors.Is(err, dcc.ErrActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// requestMetrics records latency and status codes per route
func requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}

		// c.Path is the route pattern, e.g. /transfers/:id
		path := c.Path()
		method := c.Request().Method
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		metrics.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		return err
	}
}
