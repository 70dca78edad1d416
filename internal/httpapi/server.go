// Package httpapi exposes the executor over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Service is the executor surface the HTTP API fronts.
type Service interface {
	Create(ctx context.Context, ownerID, workflowType string, input, metadata map[string]any) (*schema.WorkflowExecution, error)
	Get(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	Advance(ctx context.Context, id string, external map[string]any) (*schema.WorkflowExecution, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error)
	Outputs(ctx context.Context, id string) ([]*schema.StepOutput, error)
	Types() []string
}

// Server holds the echo instance and its dependencies.
type Server struct {
	svc    Service
	echo   *echo.Echo
	logger *slog.Logger
}

// NewServer wires routes and middleware.
func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goccySerializer{}

	s := &Server{svc: svc, echo: e, logger: logger}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)

	v1 := e.Group("/v1")
	v1.Use(correlate)
	v1.POST("/workflows", s.CreateWorkflow)
	v1.GET("/workflows", s.ListWorkflows)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.POST("/workflows/:id/advance", s.AdvanceWorkflow)
	v1.GET("/workflows/:id/outputs", s.ListOutputs)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http api listening", slog.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// correlate puts the execution id from the path on the request context so
// every log line of the request carries it.
func correlate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if id := c.Param("id"); id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithExecutionID(req.Context(), id)))
		}
		return next(c)
	}
}
