/******************************************************************************
 *
 *  Description :
 *
 *  Handler of websocket connections: upgrade, read/write loops, liveness.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/netsblox/cloud/server/logs"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 55 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum incoming frame size.
	maxFrameSize = 1 << 20
)

func (c *Client) closeWS() {
	c.ws.Close()
}

func (c *Client) readLoop() {
	reason := reasonAway

	defer func() {
		c.closeWS()
		c.cleanUp(reason)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				logs.Warn.Println("ws: readLoop", c.id, err)
				reason = reasonBroken
			}
			return
		}
		statsInc("IncomingFramesTotal", 1)
		c.dispatchRaw(raw)
	}
}

func (c *Client) sendRaw(msg any) bool {
	if len(c.send) > globals.outboundQueue {
		logs.Warn.Println("ws: outbound queue limit exceeded", c.id)
		return false
	}

	statsInc("OutgoingFramesTotal", 1)
	if err := wsWrite(c.ws, websocket.TextMessage, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
			websocket.CloseNormalClosure) {
			logs.Warn.Println("ws: writeLoop", c.id, err)
		}
		return false
	}
	return true
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		c.closeWS()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Channel closed.
				return
			}
			if !c.sendRaw(msg) {
				return
			}

		case msg := <-c.stop:
			// Shutdown requested; don't care if the frame is delivered.
			if msg != nil {
				wsWrite(c.ws, websocket.TextMessage, msg)
			}
			return

		case <-ticker.C:
			if err := wsWrite(c.ws, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsWrite writes a message with the given message type and payload.
func wsWrite(ws *websocket.Conn, mt int, msg any) error {
	var bits []byte
	if msg != nil {
		bits = msg.([]byte)
	} else {
		bits = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, bits)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin is expected: the editor is served elsewhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebSocket handles GET /network/{clientId}/connect.
func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	clientId := chi.URLParam(req, "clientId")

	// Unauthenticated clients may connect; the username tags the client when
	// a session is present.
	var username string
	if sess, err := sessionFromRequest(req); err == nil {
		username = sess.Username
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Warn.Println("ws: not a websocket handshake")
		return
	} else if err != nil {
		logs.Warn.Println("ws: failed to upgrade", err)
		return
	}

	c, count := globals.clientStore.NewClient(ws, clientId, username)
	c.remoteAddr = req.RemoteAddr

	globals.topology.connect(c)

	logs.Info.Println("ws: client connected", c.id, c.remoteAddr, count)

	// Do work in goroutines to return from serveWebSocket() and release the
	// handler.
	go c.writeLoop()
	go c.readLoop()
}
