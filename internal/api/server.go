package api

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbaille/classifier/internal/auth"
	"github.com/pbaille/classifier/internal/config"
	"github.com/pbaille/classifier/internal/domain"
	"github.com/pbaille/classifier/internal/engine"
	"github.com/pbaille/classifier/internal/observe"
	"github.com/pbaille/classifier/internal/store"
)

// Store is the part of the item cache the protocol server touches
type Store interface {
	CreateFeed(ctx context.Context, id int64, title string) (*domain.Feed, error)
	GetFeed(ctx context.Context, id int64) (*domain.Feed, error)
	DeleteFeed(ctx context.Context, id int64) error
	CreateEntry(ctx context.Context, entry domain.Entry) (*domain.Entry, error)
	GetEntry(ctx context.Context, id int64) (*domain.Entry, error)
	DeleteEntry(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}

// Jobs manages classification jobs
type Jobs interface {
	CreateJob(tagID int64) domain.Job
	Job(id string) (domain.Job, error)
	CancelJob(id string) error
	RemoveJob(id string) error
}

// Tokenizer schedules the tokenization of a published entry
type Tokenizer interface {
	TokenizeAsync(entry domain.Entry)
}

// Deps are the components served over HTTP
type Deps struct {
	Store     Store
	Jobs      Jobs
	Tokenizer Tokenizer
	Logger    *log.Logger
	Telemetry *observe.Telemetry

	// MetricsPath serves Telemetry.Handler when both are set
	MetricsPath string

	Version  string
	Revision string
}

type server struct {
	Deps
}

// maximum accepted request body
const maxBody = 10 << 20

// BuildServer wires the publish protocol, the job endpoints and the
// operational endpoints on a new echo instance.
func BuildServer(deps Deps, cfg config.Server) (*echo.Echo, error) {
	if deps.Logger == nil {
		deps.Logger = observe.Discard()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = observe.Noop()
	}
	allowed, err := parseAllowedIPs(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger = deps.Logger
	e.HTTPErrorHandler = errorHandler(e)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(logRequests)
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", maxBody)))
	e.Use(instrument(deps.Telemetry, e.Logger))
	if len(allowed) > 0 {
		e.Use(allowIPs(allowed))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", func(c echo.Context) error {
		if err := deps.Store.Ping(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "Item cache unavailable.").SetInternal(err)
		}
		return c.String(http.StatusOK, "ready")
	})
	if deps.Telemetry.Handler != nil && deps.MetricsPath != "" {
		e.GET(deps.MetricsPath, echo.WrapHandler(deps.Telemetry.Handler))
	}

	s := &server{Deps: deps}
	var mw []echo.MiddlewareFunc
	if cfg.AuthSecret != "" {
		mw = append(mw, verify(auth.NewVerifier(cfg.AuthSecret)))
	}

	e.POST("/feeds", s.createFeed, mw...)
	e.GET("/feeds/:id", s.getFeed, mw...)
	e.PUT("/feeds/:id", s.updateFeed, mw...)
	e.DELETE("/feeds/:id", s.deleteFeed, mw...)
	e.POST("/feeds/:id/feed_items", s.createEntry, mw...)
	e.GET("/feed_items/:id", s.getEntry, mw...)
	e.DELETE("/feed_items/:id", s.deleteEntry, mw...)

	e.POST("/classifier/jobs", s.createJob, mw...)
	e.POST("/classifier/jobs.xml", s.createJob, mw...)
	e.GET("/classifier/jobs/:id", s.getJob, mw...)
	e.DELETE("/classifier/jobs/:id", s.deleteJob, mw...)
	e.GET("/classifier", s.about, mw...)
	e.GET("/classifier.xml", s.about, mw...)

	return e, nil
}

type errorsDocument struct {
	XMLName xml.Name `xml:"errors"`
	Errors  []string `xml:"error"`
}

// status maps an error to its protocol status and public message
func status(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, errBadXML):
		return http.StatusBadRequest, "Badly formatted XML."
	case errors.Is(err, errBadEntry):
		return http.StatusUnprocessableEntity, "Bad entry."
	case errors.Is(err, store.ErrDuplicateID):
		return http.StatusConflict, "Resource already exists."
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrFeedNotFound),
		errors.Is(err, store.ErrEntryNotFound),
		errors.Is(err, engine.ErrJobNotFound):
		return http.StatusNotFound, "Resource not found."
	default:
		return http.StatusInternalServerError, "Internal server error."
	}
}

func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code, msg := status(err)
		if code >= http.StatusInternalServerError {
			e.Logger.Error(err)
		} else {
			e.Logger.Debugf("%s %s: %v", c.Request().Method, c.Request().URL, err)
		}

		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.XML(code, errorsDocument{Errors: []string{msg}})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

// logRequests logs every request and its response
func logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		meth := c.Request().Method
		path := c.Request().URL
		BEGIN := time.Now()
		c.Logger().Infof(
			"< request @[%s] %s %s", BEGIN, meth, path,
		)

		var err error

		defer func() {
			END := time.Now()
			// the error handler writes the response after this middleware
			code := c.Response().Status
			if err != nil && !c.Response().Committed {
				code, _ = status(err)
			}
			c.Logger().Infof(
				"> response @[%s] status = %d (for request @[%s] %s %s) in %v / error = %+v",
				END, code, BEGIN, meth, path, END.Sub(BEGIN), err,
			)
		}()

		err = next(c)
		return err
	}
}

// instrument records a span and a counter per request
func instrument(tel *observe.Telemetry, logger echo.Logger) echo.MiddlewareFunc {
	requests, err := tel.Meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Requests served by route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warnf("server metrics: %v", err)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := tel.Tracer.Start(req.Context(), req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.method", req.Method)),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			code := c.Response().Status
			if err != nil {
				code, _ = status(err)
				span.RecordError(err)
			}
			if code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(code))
			}
			span.SetAttributes(attribute.Int("http.status_code", code))
			requests.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", c.Path()),
				attribute.Int("status", code),
			))
			return err
		}
	}
}

// parseAllowedIPs accepts single addresses and CIDR ranges
func parseAllowedIPs(ips []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, s := range ips {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("allowed_ip %q: not an address or CIDR range", s)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// allowIPs rejects connections whose peer address is outside allowed
func allowIPs(allowed []netip.Prefix) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			addr, err := netip.ParseAddr(host)
			if err == nil {
				addr = addr.Unmap()
				for _, p := range allowed {
					if p.Contains(addr) {
						return next(c)
					}
				}
			}
			c.Logger().Infof("rejected connection from %s: not an allowed ip", host)
			return echo.NewHTTPError(http.StatusForbidden, "Access denied.")
		}
	}
}

// verify requires a bearer token signed with the shared secret
func verify(v *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := v.Verify(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials.").SetInternal(err)
			}
			c.Set("access_id", claims.Subject)
			return next(c)
		}
	}
}
