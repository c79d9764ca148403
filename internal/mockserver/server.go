// Package mockserver is a local stand-in for the validation service. It
// implements the upload, staged registration, metadata and status-stream
// endpoints the CLI talks to.
//
// Resolution rules by file name:
//
//	*invalid*  resolves Invalid after the configured delay
//	*hang*     never resolves, so the client timeout fails it
//	otherwise  resolves Valid after the configured delay
package mockserver

import (
	"context"
	"errors"
	nethttp "net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

// Options configures the mock service.
type Options struct {
	// Delay before a record resolves
	Delay time.Duration
	// APIKey, when set, is required as "Authorization: Token <key>"
	APIKey string
	Logger *logging.Logger
}

// Server is the mock validation service.
type Server struct {
	echo   *echo.Echo
	hub    *hub
	delay  time.Duration
	logger *logging.Logger

	mu      sync.Mutex
	records map[string]*models.ValidationRecord
	names   map[models.AssetKind]map[string]string // kind -> name -> id
	timers  map[string]*time.Timer
	closed  bool
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultCLILogger()
	}
	s := &Server{
		echo:    echo.New(),
		hub:     newHub(opts.Logger),
		delay:   opts.Delay,
		logger:  opts.Logger,
		records: make(map[string]*models.ValidationRecord),
		names:   make(map[models.AssetKind]map[string]string),
		timers:  make(map[string]*time.Timer),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().Str("method", v.Method).Str("uri", v.URI).
				Int("status", v.Status).Dur("latency", v.Latency).Msg("mock request")
			return nil
		},
	}))
	if opts.APIKey != "" {
		e.Use(requireToken(opts.APIKey))
	}

	api := e.Group("/api/v3")
	api.GET("/assets/updates/", s.hub.handle)
	api.POST("/assets/:kind/upload/", s.handleUpload)
	api.POST("/assets/:kind/register/", s.handleRegister)
	api.GET("/assets/:id/", s.handleGetRecord)
	api.PATCH("/assets/:id/", s.handleUpdateMetadata)
	api.GET("/users/me/", s.handleUserProfile)
	api.POST("/credentials/", s.handleCredentials)
	return s
}

func requireToken(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) != "Token "+key {
				return echo.NewHTTPError(nethttp.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Dur("delay", s.delay).Msg("mock validation service listening")
	err := s.echo.Start(addr)
	if errors.Is(err, nethttp.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops pending resolutions, disconnects stream clients and stops
// the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	return s.echo.Shutdown(ctx)
}

// Close stops pending resolutions and disconnects stream clients.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.hub.close()
}

// Record returns the server's copy of a record.
func (s *Server) Record(id string) (models.ValidationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.ValidationRecord{}, false
	}
	return rec.Clone(), true
}

// Publish pushes u to every stream client without touching server state.
func (s *Server) Publish(u models.StatusUpdate) {
	s.hub.broadcast(u)
}

// DropStreamClients disconnects every stream client.
func (s *Server) DropStreamClients() {
	s.hub.dropAll()
}

// StreamClients returns the number of connected stream clients.
func (s *Server) StreamClients() int {
	return s.hub.count()
}

// createRecord registers a Pending record for one file and schedules its
// resolution. The caller holds s.mu.
func (s *Server) createRecord(kind models.AssetKind, relPath string) models.ValidationRecord {
	now := time.Now().UTC()
	rec := &models.ValidationRecord{
		ID:        uuid.NewString(),
		Name:      s.uniqueName(kind, path.Base(relPath)),
		Kind:      kind,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[rec.ID] = rec
	s.claimName(kind, rec.Name, rec.ID)

	lower := strings.ToLower(relPath)
	if !strings.Contains(lower, "hang") {
		id := rec.ID
		invalid := strings.Contains(lower, "invalid")
		s.timers[id] = time.AfterFunc(s.delay, func() { s.resolve(id, invalid) })
	}
	return rec.Clone()
}

// uniqueName suffixes name when another record of kind already uses it.
func (s *Server) uniqueName(kind models.AssetKind, name string) string {
	taken := s.names[kind]
	if _, ok := taken[name]; !ok {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i) + ext
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

func (s *Server) claimName(kind models.AssetKind, name, id string) {
	if s.names[kind] == nil {
		s.names[kind] = make(map[string]string)
	}
	s.names[kind][name] = id
}

func (s *Server) resolve(id string, invalid bool) {
	s.mu.Lock()
	delete(s.timers, id)
	rec, ok := s.records[id]
	if s.closed || !ok || rec.Status != models.StatusPending {
		s.mu.Unlock()
		return
	}
	update := models.StatusUpdate{ID: id}
	if invalid {
		update.Status = models.StatusInvalid
		update.ErrorMessages = []string{"file could not be parsed as " + string(rec.Kind)}
		rec.ErrorMessages = update.ErrorMessages
	} else {
		update.Status = models.StatusValid
		update.Fields = &models.ValidationFields{Format: strings.TrimPrefix(path.Ext(rec.Name), ".")}
		rec.Fields = update.Fields.Clone()
	}
	rec.Status = update.Status
	rec.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Debug().Str("record_id", id).Str("status", string(update.Status)).Msg("mock record resolved")
	s.hub.broadcast(update)
}
