/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live client connections, indexed by client ID.
 *
 *****************************************************************************/

package main

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientStore holds all live clients indexed by client ID.
type ClientStore struct {
	lock sync.Mutex

	clients map[string]*Client
}

// NewClientStore initializes a client store.
func NewClientStore() *ClientStore {
	return &ClientStore{
		clients: make(map[string]*Client),
	}
}

// NewClient creates a client for the websocket and saves it to the store.
// The clientId is supplied by the connecting peer (it picked it up from
// /configuration); a missing or malformed one is replaced.
func (cs *ClientStore) NewClient(ws *websocket.Conn, clientId, username string) (*Client, int) {
	if !isValidClientId(clientId) {
		clientId = NewClientId()
	}

	c := &Client{
		id:         clientId,
		ws:         ws,
		username:   username,
		send:       make(chan any, globals.outboundQueue),
		stop:       make(chan any, 1),
		lastAction: time.Now().UTC(),
	}

	cs.lock.Lock()
	cs.clients[c.id] = c
	count := len(cs.clients)
	cs.lock.Unlock()

	return c, count
}

// Get fetches a client from the store by ID.
func (cs *ClientStore) Get(clientId string) *Client {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	return cs.clients[clientId]
}

// Delete removes a client from the store.
func (cs *ClientStore) Delete(c *Client) int {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	delete(cs.clients, c.id)
	return len(cs.clients)
}

// Count returns the number of connected clients.
func (cs *ClientStore) Count() int {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	return len(cs.clients)
}

// Shutdown terminates all clients.
func (cs *ClientStore) Shutdown() {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	for _, c := range cs.clients {
		if c.stop != nil {
			c.stop <- nil
		}
	}
}

// NewClientId mints a fresh client ID. The leading underscore marks IDs the
// server generated, as opposed to usernames.
func NewClientId() string {
	return "_" + uuid.NewString()
}

func isValidClientId(id string) bool {
	return strings.HasPrefix(id, "_") && len(id) > 1 && len(id) <= 64
}
