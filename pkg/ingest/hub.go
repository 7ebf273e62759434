// Package ingest accepts camera streams over WebSocket and provides a client
// for pushing to (or subscribing from) a node.
package ingest

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
)

// maxMessageSize bounds one inbound message; raw 1080p rgb8 frames fit after base64.
const maxMessageSize = 16 << 20

// CameraConnection represents a connected camera
type CameraConnection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu sync.Mutex
}

// Send sends a message to the camera
func (c *CameraConnection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Hub manages WebSocket connections from cameras
type Hub struct {
	mu      sync.RWMutex
	cameras map[string]*CameraConnection
	logger  *slog.Logger

	// Callbacks
	onImage      func(cameraID string, data *protocol.ImageData)
	onCameraInfo func(cameraID string, info *camera.Info)
	onTransform  func(cameraID string, data *protocol.TFData)

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	imagesReceived   atomic.Uint64
	parseErrors      atomic.Uint64
}

// NewHub creates a new camera hub. A nil logger uses the global one.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = log.Component("ingest")
	}
	return &Hub{
		cameras: make(map[string]*CameraConnection),
		logger:  logger,
	}
}

// OnImage sets the callback for incoming images
func (h *Hub) OnImage(callback func(cameraID string, data *protocol.ImageData)) {
	h.mu.Lock()
	h.onImage = callback
	h.mu.Unlock()
}

// OnCameraInfo sets the callback for calibration updates
func (h *Hub) OnCameraInfo(callback func(cameraID string, info *camera.Info)) {
	h.mu.Lock()
	h.onCameraInfo = callback
	h.mu.Unlock()
}

// OnTransform sets the callback for frame tree updates
func (h *Hub) OnTransform(callback func(cameraID string, data *protocol.TFData)) {
	h.mu.Lock()
	h.onTransform = callback
	h.mu.Unlock()
}

// RegisterRoutes registers WebSocket routes on a Fiber app
func (h *Hub) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/camera", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/camera", websocket.New(h.handleCamera))
	app.Get("/ws/camera/:id", websocket.New(h.handleCamera))
}

// handleCamera handles a camera WebSocket connection
func (h *Hub) handleCamera(c *websocket.Conn) {
	cameraID := c.Params("id")
	if cameraID == "" {
		cameraID = uuid.NewString()
	}

	now := time.Now()
	cam := &CameraConnection{
		ID:        cameraID,
		Conn:      c,
		Connected: now,
		LastSeen:  now,
	}

	h.mu.Lock()
	if old, ok := h.cameras[cameraID]; ok {
		h.logger.Warn("camera reconnected, replacing connection", "camera", cameraID)
		old.Conn.Close()
	}
	h.cameras[cameraID] = cam
	count := len(h.cameras)
	h.mu.Unlock()

	h.logger.Info("camera connected", "camera", cameraID, "total", count)

	defer func() {
		h.mu.Lock()
		if h.cameras[cameraID] == cam {
			delete(h.cameras, cameraID)
		}
		count := len(h.cameras)
		h.mu.Unlock()

		h.logger.Info("camera disconnected", "camera", cameraID, "total", count)
	}()

	c.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			h.logger.Debug("camera read ended", "camera", cameraID, "error", err)
			return
		}

		cam.mu.Lock()
		cam.LastSeen = time.Now()
		cam.mu.Unlock()

		h.messagesReceived.Add(1)
		h.handleMessage(cameraID, data)
	}
}

// handleMessage processes an incoming message from a camera
func (h *Hub) handleMessage(cameraID string, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.parseErrors.Add(1)
		h.logger.Warn("parse error", "camera", cameraID, "error", err)
		return
	}

	h.mu.RLock()
	imageCb := h.onImage
	infoCb := h.onCameraInfo
	transformCb := h.onTransform
	h.mu.RUnlock()

	switch msg.Type {
	case protocol.TypeImage:
		h.imagesReceived.Add(1)
		if imageCb == nil {
			return
		}
		img, err := msg.GetImageData()
		if err != nil {
			h.parseErrors.Add(1)
			h.logger.Warn("bad image payload", "camera", cameraID, "error", err)
			return
		}
		imageCb(cameraID, img)

	case protocol.TypeCameraInfo:
		if infoCb == nil {
			return
		}
		info, err := msg.GetCameraInfo()
		if err != nil {
			h.parseErrors.Add(1)
			h.logger.Warn("bad camera info payload", "camera", cameraID, "error", err)
			return
		}
		infoCb(cameraID, info)

	case protocol.TypeTransform:
		if transformCb == nil {
			return
		}
		tfs, err := msg.GetTFData()
		if err != nil {
			h.parseErrors.Add(1)
			h.logger.Warn("bad transform payload", "camera", cameraID, "error", err)
			return
		}
		transformCb(cameraID, tfs)

	case protocol.TypePing:
		id := ""
		if ping, err := msg.GetPingData(); err == nil {
			id = ping.ID
		}
		if err := h.SendPong(cameraID, id, msg.Timestamp); err != nil {
			h.logger.Debug("pong failed", "camera", cameraID, "error", err)
		}

	default:
		h.logger.Debug("ignoring message", "camera", cameraID, "type", msg.Type)
	}
}

// SendPing sends a ping to a camera
func (h *Hub) SendPing(cameraID string) error {
	msg, err := protocol.NewPingMessage(cameraID)
	if err != nil {
		return err
	}
	return h.sendToCamera(cameraID, msg)
}

// SendPong sends a pong response to a camera
func (h *Hub) SendPong(cameraID, id string, pingTS int64) error {
	msg, err := protocol.NewPongMessage(id, pingTS, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return h.sendToCamera(cameraID, msg)
}

// sendToCamera sends a message to a specific camera
func (h *Hub) sendToCamera(cameraID string, msg *protocol.Message) error {
	cam := h.GetCamera(cameraID)
	if cam == nil {
		return fiber.NewError(fiber.StatusNotFound, "camera not connected")
	}

	h.messagesSent.Add(1)
	return cam.Send(msg)
}

// GetCamera returns a camera connection by ID
func (h *Hub) GetCamera(cameraID string) *CameraConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cameras[cameraID]
}

// GetCameras returns all connected cameras
func (h *Hub) GetCameras() []*CameraConnection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cameras := make([]*CameraConnection, 0, len(h.cameras))
	for _, c := range h.cameras {
		cameras = append(cameras, c)
	}
	return cameras
}

// CameraCount returns the number of connected cameras
func (h *Hub) CameraCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cameras)
}

// Stats contains hub statistics
type Stats struct {
	CameraCount      int    `json:"camera_count"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	ImagesReceived   uint64 `json:"images_received"`
	ParseErrors      uint64 `json:"parse_errors"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		CameraCount:      h.CameraCount(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		ImagesReceived:   h.imagesReceived.Load(),
		ParseErrors:      h.parseErrors.Load(),
	}
}

// CameraInfo contains info about a connected camera
type CameraInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// GetCameraInfos returns info about all connected cameras
func (h *Hub) GetCameraInfos() []CameraInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]CameraInfo, 0, len(h.cameras))
	for _, c := range h.cameras {
		infos = append(infos, c.Info())
	}
	return infos
}

// Info returns a snapshot of the connection for the API.
func (c *CameraConnection) Info() CameraInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CameraInfo{
		ID:        c.ID,
		Connected: c.Connected,
		LastSeen:  c.LastSeen,
	}
}

// RegisterAPIRoutes registers API routes for camera management
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	cameras := api.Group("/cameras")

	cameras.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"cameras": h.GetCameraInfos(),
			"count":   h.CameraCount(),
		})
	})

	cameras.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})

	cameras.Get("/:id", func(c *fiber.Ctx) error {
		cam := h.GetCamera(c.Params("id"))
		if cam == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "camera not connected"})
		}
		return c.JSON(cam.Info())
	})

	cameras.Post("/:id/ping", func(c *fiber.Ctx) error {
		if err := h.SendPing(c.Params("id")); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "sent"})
	})
}
