// Package status serves a read-only HTTP view of the monitored sources and
// the fingerprint store.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"digest_bot/internal/model"
	"digest_bot/internal/storage"
)

// Store is the read side of the fingerprint store.
type Store interface {
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	Stats(ctx context.Context) (model.Stats, error)
}

type sourceItem struct {
	ID            int64     `json:"id"`
	Handle        string    `json:"handle,omitempty"`
	Title         string    `json:"title,omitempty"`
	Cursor        *int64    `json:"cursor,omitempty"`
	Active        bool      `json:"active"`
	Origin        string    `json:"origin"`
	RemovedReason string    `json:"removed_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type statsResponse struct {
	ActiveSources  int `json:"active_sources"`
	RemovedSources int `json:"removed_sources"`
	Fingerprints   int `json:"fingerprints"`
	Delivered      int `json:"delivered"`
	Vectors        int `json:"vectors"`
}

// Server exposes health, source and store statistics endpoints.
type Server struct {
	store  Store
	addr   string
	logger *slog.Logger
	echo   *echo.Echo
}

// New creates a status server listening on addr.
func New(store Store, addr string, logger *slog.Logger) *Server {
	s := &Server{store: store, addr: addr, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("http request failed", "method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
				return nil
			}
			logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/sources", s.handleSources)
	e.GET("/sources/:id", s.handleSource)
	e.GET("/stats", s.handleStats)

	s.echo = e
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      s.echo,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("status server shutdown", "error", err)
		}
	}()

	s.logger.Info("status server started", "addr", s.addr)
	if err := s.echo.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]string{"state": "ok"})
}

func (s *Server) handleSources(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	list, err := s.store.ListSources(c.Request().Context(), activeOnly)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	items := make([]sourceItem, 0, len(list))
	for _, src := range list {
		items = append(items, toSourceItem(src))
	}
	return success(c, map[string]any{"sources": items})
}

func (s *Server) handleSource(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid source id")
	}
	src, err := s.store.GetSource(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(c, http.StatusNotFound, "source not found")
	}
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	return success(c, toSourceItem(*src))
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return success(c, statsResponse{
		ActiveSources:  st.ActiveSources,
		RemovedSources: st.RemovedSources,
		Fingerprints:   st.Fingerprints,
		Delivered:      st.Delivered,
		Vectors:        st.Vectors,
	})
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
		message := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			message = m
		}
		_ = fail(c, he.Code, message)
		return
	}
	s.logger.Error("status request", "path", c.Request().URL.Path, "error", err)
	_ = internalError(c, "Internal server error")
}

func toSourceItem(src model.Source) sourceItem {
	return sourceItem{
		ID:            src.ID,
		Handle:        src.Handle,
		Title:         src.Title,
		Cursor:        src.Cursor,
		Active:        src.Active,
		Origin:        string(src.Origin),
		RemovedReason: src.RemovedReason,
		UpdatedAt:     src.UpdatedAt,
	}
}
