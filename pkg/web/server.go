// Package web serves the marker node over HTTP: topic websockets for
// consumers, the camera ingest endpoint, and a small status API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/hub"
	"github.com/teslashibe/go-fiducial/pkg/ingest"
	"github.com/teslashibe/go-fiducial/pkg/pipeline"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// ErrUnknownTopic is returned when publishing to a topic the server does not serve.
var ErrUnknownTopic = errors.New("web: unknown topic")

// Options configure a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8090".
	Addr string

	// Buffer receives transforms pushed by cameras and per-marker frames, and
	// backs /api/frames and /api/transform. Required.
	Buffer *tf.Buffer

	// StaticDir is served at / when set.
	StaticDir string

	// Debug logs every HTTP request.
	Debug bool

	Logger *slog.Logger
}

// Server is the node's HTTP/WebSocket front end. It implements
// pipeline.Sink, pipeline.TransformPublisher and pipeline.VisualizationPublisher.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger

	topics *hub.Set
	ingest *ingest.Hub
	buffer *tf.Buffer
	start  time.Time

	// Detected marker frames, stamped with the node clock. Kept apart from
	// buffer so they never mix with camera-clock history or replace its edges.
	markers *tf.Buffer

	// StatusFunc adds node status to /api/status
	StatusFunc func() any

	// ConfigFunc returns the effective configuration for /api/config
	ConfigFunc func() any
}

var (
	_ pipeline.Sink                   = (*Server)(nil)
	_ pipeline.TransformPublisher     = (*Server)(nil)
	_ pipeline.VisualizationPublisher = (*Server)(nil)
)

// NewServer creates the server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Buffer == nil {
		return nil, errors.New("web: transform buffer is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Component("web")
	}

	s := &Server{
		addr:   opts.Addr,
		logger: opts.Logger,
		topics: hub.NewSet(pipeline.Topics...),
		ingest: ingest.NewHub(opts.Logger.With("component", "ingest")),
		buffer: opts.Buffer,
		start:  time.Now(),

		markers: tf.NewBuffer(opts.Buffer.CacheDuration()),
	}
	s.topics.SetLogger(opts.Logger.With("component", "hub"))

	app := fiber.New(fiber.Config{
		AppName:               "go-fiducial",
		DisableStartupMessage: true,
		BodyLimit:             32 << 20,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if opts.Debug {
		app.Use(logger.New())
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"cameras": s.ingest.CameraCount(),
		})
	})

	if opts.StaticDir != "" {
		app.Static("/", opts.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/config", s.handleConfig)
	api.Get("/frames", s.handleFrames)
	api.Get("/transform", s.handleTransform)
	s.ingest.RegisterAPIRoutes(api)

	// Camera ingest: /ws/camera[/:id]
	s.ingest.RegisterRoutes(app)

	// Topic subscriptions: /ws/<topic>
	for _, topic := range s.topics.Topics() {
		path := "/ws/" + topic
		app.Use(path, func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get(path, websocket.New(s.topics.Get(topic).Handler()))
	}

	s.app = app
	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Ingest returns the camera ingest hub.
func (s *Server) Ingest() *ingest.Hub {
	return s.ingest
}

// Topics returns the topic hubs.
func (s *Server) Topics() *hub.Set {
	return s.topics
}

// Run starts the topic hubs and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.topics.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

// ConnectPipeline routes camera traffic into the pipeline: images are
// submitted to r, calibration goes to p, and transforms into the buffer.
func (s *Server) ConnectPipeline(p *pipeline.Pipeline, r *pipeline.Runner) {
	s.ingest.OnImage(func(cameraID string, data *protocol.ImageData) {
		ev, err := data.Event()
		if err != nil {
			s.logger.Warn("dropping image", "camera", cameraID, "error", err)
			return
		}
		r.Submit(ev)
	})
	s.ingest.OnCameraInfo(func(cameraID string, info *camera.Info) {
		p.ApplyCameraInfo(*info)
	})
	s.ingest.OnTransform(func(cameraID string, data *protocol.TFData) {
		s.setTransforms(cameraID, data)
	})

	if s.StatusFunc == nil {
		s.StatusFunc = func() any {
			return fiber.Map{
				"pipeline":      p.Stats(),
				"queue_pending": r.Pending(),
				"queue_dropped": r.Dropped(),
			}
		}
	}
}

func (s *Server) setTransforms(source string, data *protocol.TFData) {
	for _, td := range data.Transforms {
		if err := s.buffer.SetTransform(td.Stamped(), td.Static); err != nil {
			s.logger.Warn("rejected transform", "source", source,
				"parent", td.FrameID, "child", td.ChildFrameID, "error", err)
		}
	}
}
