// Package server - Haupt-Router und Server-Setup fuer affinities
// Beinhaltet: Server-Struct, Router-Registrierung, Fehler-Abbildung, Server-Start
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/affinities/affinities/display"
	"github.com/affinities/affinities/envconfig"
	"github.com/affinities/affinities/logutil"
	"github.com/affinities/affinities/model"
	"github.com/affinities/affinities/pipeline"
	"github.com/affinities/affinities/runner"
	"github.com/affinities/affinities/store"
	"github.com/affinities/affinities/version"
)

var mode string = gin.DebugMode

// Server verwaltet den HTTP-Server, den Viewer und das Trainings-Widget
type Server struct {
	addr   net.Addr
	viewer *display.Viewer
	store  *store.Store
	ctl    *controller
}

func init() {
	switch mode {
	case gin.DebugMode:
	case gin.ReleaseMode:
	case gin.TestMode:
	default:
		mode = gin.DebugMode
	}

	gin.SetMode(mode)
}

// newServer erstellt einen Server, ctx begrenzt alle Trainings-Sitzungen
func newServer(ctx context.Context, addr net.Addr, viewer *display.Viewer, provider pipeline.Provider, st *store.Store, checkpoints string) *Server {
	return &Server{
		addr:   addr,
		viewer: viewer,
		store:  st,
		ctl:    newController(ctx, viewer, provider, st, checkpoints),
	}
}

// Close beendet die laufende Sitzung und alle Event-Streams
func (s *Server) Close() {
	s.ctl.Close()
}

// GenerateRoutes erstellt und konfiguriert den HTTP-Router
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	// General
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "affinities is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "affinities is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	// Modell
	r.POST("/api/model", s.LoadModelHandler)
	r.GET("/api/model", s.ModelHandler)
	r.POST("/api/model/save", s.SaveModelHandler)

	// Trainings-Widget
	r.POST("/api/train", s.TrainHandler)
	r.DELETE("/api/train", s.StopHandler)
	r.POST("/api/pause", s.PauseHandler)
	r.POST("/api/snapshot", s.SnapshotHandler)
	r.POST("/api/predict", s.PredictHandler)
	r.GET("/api/status", s.StatusHandler)
	r.GET("/api/events", s.EventsHandler)

	// Viewer
	r.GET("/api/layers", s.ListLayersHandler)
	r.POST("/api/layers", s.CreateLayerHandler)
	r.GET("/api/layers/:name", s.LayerHandler)
	r.DELETE("/api/layers/:name", s.DeleteLayerHandler)

	// Historie
	r.GET("/api/sessions", s.ListSessionsHandler)
	r.GET("/api/sessions/:id/progress", s.SessionProgressHandler)

	return r
}

// errorStatus bildet Fehler auf HTTP-Status-Codes ab
func errorStatus(err error) int {
	switch {
	case errors.Is(err, display.ErrLayerNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrMissingModel),
		errors.Is(err, runner.ErrCommandPending),
		errors.Is(err, runner.ErrSessionClosed),
		errors.Is(err, errNotTraining):
		return http.StatusConflict
	case errors.Is(err, model.ErrModelLoad),
		errors.Is(err, model.ErrUnsupportedModel),
		errors.Is(err, model.ErrWeights),
		errors.Is(err, pipeline.ErrMissingLayer),
		errors.Is(err, pipeline.ErrLayerShape),
		errors.Is(err, runner.ErrShapeMismatch),
		errors.Is(err, runner.ErrUnsupportedCommand),
		errors.Is(err, display.ErrShapeMismatch),
		errors.Is(err, display.ErrAxisMismatch),
		errors.Is(err, errNoLayer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError beendet die Anfrage mit {"error": ...}
func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// Serve startet den HTTP-Server
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	st := &store.Store{DBPath: envconfig.DBPath()}
	defer st.Close()

	ctx, done := context.WithCancel(context.Background())
	defer done()

	viewer := display.NewViewer()
	viewer.OnChange = func(name string) {
		logutil.Trace("viewer layer changed", "name", name)
	}

	s := newServer(ctx, ln.Addr(), viewer, pipeline.NewSource(), st, envconfig.Checkpoints())
	http.Handle("/", s.GenerateRoutes())

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: nil,
	}

	// Bei ctrl+c die Sitzung beenden und den Server schliessen
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		s.Close()
		srvr.Close()
		done()
	}()

	err := srvr.Serve(ln)
	// Close gibt ErrServerClosed zurueck
	if errors.Is(err, http.ErrServerClosed) {
		<-ctx.Done()
		return nil
	}

	return err
}
