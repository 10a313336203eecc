package bus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConn adapts a gorilla/websocket connection to the bus's Conn
// interface, the minimal concrete adapter needed to carry the bus's
// send/register/onConnect contract over a real transport.
type WebsocketConn struct {
	ws *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an HTTP request to a websocket connection for an
// agent's persistent duplex channel.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebsocketConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	return &WebsocketConn{ws: ws}, nil
}

const writeWait = 10 * time.Second

func (c *WebsocketConn) WriteMessage(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *WebsocketConn) Close() error {
	return c.ws.Close()
}

// ReadLoop blocks reading inbound frames and dispatches each through
// the bus, until the connection errors or closes. Callers run this in
// its own goroutine per connected agent.
func ReadLoop(b *Bus, agentID string, kind AgentKind, c *WebsocketConn) {
	defer b.Detach(agentID)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			b.log.WithField("agentId", agentID).WithError(err).Debug("agent read loop ended")
			return
		}
		b.Dispatch(agentID, kind, raw)
	}
}
