package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/users"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Client owns one websocket connection: a read loop that processes frames
// strictly in arrival order, and a write pump draining the hub stream.
type Client struct {
	id      string
	conn    *websocket.Conn
	core    *Core
	profile users.Profile
	logger  *zap.Logger

	closeOnce sync.Once
}

// ServeConnection upgrades the request and runs the connection until it
// closes. Blocks for the lifetime of the connection.
func ServeConnection(w http.ResponseWriter, r *http.Request, core *Core, claims auth.SessionClaims, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		core:   core,
		logger: logger,
	}
	defer client.close()

	stream := core.hub.Register(client.id, client.close)

	profile, err := core.Connect(client.id, claims)
	if err != nil {
		logger.Warn("connection setup failed", zap.Error(err))
		core.hub.Unregister(client.id)
		return
	}
	client.profile = profile
	logger.Info("websocket client connected",
		zap.String("conn_id", client.id),
		zap.String("user_id", profile.UserID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go client.writePump(ctx, stream)

	client.readLoop(ctx)
	core.HandleDisconnect(context.Background(), client.id, profile)
	logger.Info("websocket client disconnected", zap.String("conn_id", client.id))
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		c.core.HandleFrame(ctx, c.id, c.profile, frame)
	}
}

func (c *Client) writePump(ctx context.Context, stream <-chan Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
