package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/aruco"
	"github.com/teslashibe/go-fiducial/pkg/camera"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
	"github.com/teslashibe/go-fiducial/pkg/tf"
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("ingest: client closed")

const (
	handshakeTimeout = 10 * time.Second
	clientWriteWait  = 10 * time.Second
)

// Client is a WebSocket connection to a node endpoint. Cameras use it to push
// images on /ws/camera; consumers use it to read topics such as /ws/markers.
type Client struct {
	url    string
	ws     *websocket.Conn
	wsMu   sync.Mutex
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	// Callbacks, set before Connect
	OnMessage func(msg *protocol.Message)
	OnBinary  func(data []byte)
	OnPong    func(pong *protocol.PongData)
	OnError   func(err error)
}

// NewClient creates a client for url. A nil logger uses the global one.
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = log.Component("ingest-client")
	}
	return &Client{
		url:    url,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("ingest: connect %s: %w", c.url, err)
	}

	ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(clientWriteWait))
	})

	c.ws = ws
	c.logger.Info("connected", "url", c.url)

	go c.handleMessages()
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) handleMessages() {
	defer c.Close()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.OnError != nil {
					c.OnError(err)
				}
			}
			return
		}

		if kind == websocket.BinaryMessage {
			if c.OnBinary != nil {
				c.OnBinary(data)
			}
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("parse error", "error", err)
			continue
		}

		if msg.Type == protocol.TypePong && c.OnPong != nil {
			if pong, err := msg.GetPongData(); err == nil {
				c.OnPong(pong)
			}
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// Send writes one message.
func (c *Client) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendImage pushes one image, optionally with its calibration.
func (c *Client) SendImage(frameID string, stamp time.Time, img aruco.Image, info *camera.Info) error {
	msg, err := protocol.NewImageMessage(frameID, stamp, img, info)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendCameraInfo pushes a calibration update.
func (c *Client) SendCameraInfo(info camera.Info) error {
	msg, err := protocol.NewCameraInfoMessage(info)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendTransforms pushes frame tree updates.
func (c *Client) SendTransforms(transforms []tf.TransformStamped, static bool) error {
	msg, err := protocol.NewTransformMessage(transforms, static)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Ping sends a ping; the answer arrives through OnPong.
func (c *Client) Ping(id string) error {
	msg, err := protocol.NewPingMessage(id)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Close sends a close frame and shuts the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		if c.ws == nil {
			return
		}
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		c.logger.Info("disconnected", "url", c.url)
	})
	return err
}
