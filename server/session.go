/******************************************************************************
 *
 *  Description :
 *
 *  Handling of client connections. One user may have multiple clients; each
 *  client is a single websocket with a bounded outbound queue.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netsblox/cloud/server/logs"
)

// disconnectReason classifies why a client went away.
type disconnectReason int

const (
	// reasonAway: the peer closed the socket in an orderly fashion.
	reasonAway disconnectReason = iota
	// reasonBroken: the socket died without a close handshake.
	reasonBroken
	// reasonEvicted: the server forced the disconnect.
	reasonEvicted
)

// Client is a single connected websocket. A user may have multiple clients.
type Client struct {
	// Opaque ID unique per websocket.
	id string

	ws *websocket.Conn

	// Username of the authenticated session owning the socket, or empty.
	username string

	// IP address of the peer.
	remoteAddr string

	// Outbound frames, buffered. Closed-channel or sustained backpressure
	// drops the client.
	send chan any

	// Channel for shutting down the client, buffered by 1.
	stop chan any

	// Time when the client last sent anything.
	lastAction time.Time
}

// queueOut attempts to enqueue a frame; false means the queue is full and the
// client should be treated as broken.
func (c *Client) queueOut(frame *serverFrame) bool {
	if c == nil {
		return true
	}

	data, _ := json.Marshal(frame)
	select {
	case c.send <- data:
	case <-time.After(time.Microsecond * 50):
		logs.Warn.Println("c.queueOut: timeout", c.id)
		return false
	}
	return true
}

// dispatchRaw decodes an incoming frame and dispatches it.
func (c *Client) dispatchRaw(raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logs.Warn.Println("c.dispatch: malformed frame", c.id, err)
		return
	}
	c.dispatch(&frame)
}

func (c *Client) dispatch(frame *clientFrame) {
	c.lastAction = time.Now().UTC()

	switch frame.Type {
	case framePing:
		c.queueOut(pongFrame())

	case frameSetClientState:
		if frame.State == nil {
			logs.Warn.Println("c.dispatch: set-client-state without state", c.id)
			return
		}
		var seat *occupyRole
		if frame.State.Browser != nil {
			ctx, cancel := workerContext()
			var err error
			seat, err = canOccupyRole(ctx, c, frame.State.Browser)
			cancel()
			if err != nil {
				logs.Warn.Println("c.dispatch: set-client-state refused", c.id, err)
				return
			}
		}
		globals.topology.setState(c.id, frame.State, seat)

	case frameMessage, frameClientMessage, frameUserAction:
		globals.router.route(c, frame)

	case frameProjectResp:
		if frame.RequestId == "" || frame.Data == nil {
			logs.Warn.Println("c.dispatch: malformed project-response", c.id)
			return
		}
		globals.router.resolvePending(frame.RequestId, frame.Data)

	case frameRequestActions:
		// Edit streams are relayed, not persisted: forward the request to the
		// other occupants of the sender's role so a peer can replay.
		globals.router.relayActions(c, frame)

	default:
		logs.Warn.Println("c.dispatch: unknown frame type", frame.Type, c.id)
	}
}

// cleanUp removes the client from the registry and the topology.
func (c *Client) cleanUp(reason disconnectReason) {
	globals.clientStore.Delete(c)
	globals.topology.disconnect(c.id, reason)
	globals.router.abortPendingFor(c.id)
}
