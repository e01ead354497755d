/******************************************************************************
 *
 *  Description :
 *
 *  The message router: fan-out of overlay frames, recorded-trace capture and
 *  request/response correlation for role-data fetches.
 *
 *****************************************************************************/

package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// pendingResponse is one outstanding get-role-data round trip.
type pendingResponse struct {
	// The occupant the request was sent to.
	clientId string
	// Single-shot reply channel; buffered so a late reply never blocks.
	reply chan *t.RoleData
}

// Router fans out overlay messages and correlates role-data replies.
type Router struct {
	lock    sync.Mutex
	pending map[string]*pendingResponse

	// Per-trace sequence counters.
	seqLock sync.Mutex
	seqs    map[string]*int64
}

// NewRouter initializes a router.
func NewRouter() *Router {
	return &Router{
		pending: make(map[string]*pendingResponse),
		seqs:    make(map[string]*int64),
	}
}

// route delivers an overlay frame to its targets. Delivery is best-effort:
// unresolvable and unauthorized targets are skipped silently, there are no
// retries, and ordering holds only per recipient.
func (rt *Router) route(sender *Client, frame *clientFrame) {
	ctx, cancel := workerContext()
	defer cancel()

	// The source address is server-asserted; a self-declared value must
	// match or be absent.
	source := globals.resolver.reverseResolve(ctx, sender.id)
	if frame.SourceAddress != "" && !equalFold(frame.SourceAddress, source) {
		logs.Warn.Println("router: source address mismatch from", sender.id)
		return
	}

	ident := identityFor(ctx, sender)

	delivered := make(map[string]bool)
	for _, target := range frame.TargetAddresses {
		clients, err := globals.resolver.resolve(ctx, ident, target)
		if err != nil {
			logs.Warn.Println("router: cannot resolve", target, err)
			continue
		}
		out := &serverFrame{
			Type:            frame.Type,
			SourceAddress:   source,
			TargetAddresses: []string{target},
			MsgType:         frame.MsgType,
			Content:         frame.Content,
		}
		for _, rcpt := range clients {
			globals.topology.send(rcpt.clientId, out)
			delivered[rcpt.clientId] = true
		}
		rt.maybeRecord(ctx, sender.id, clients, source, target, frame)
	}

	statsInc("RoutedMessagesTotal", 1)
}

// maybeRecord appends the message to any active trace of the projects the
// sender or a recipient occupies.
func (rt *Router) maybeRecord(ctx context.Context, senderId string, recipients []resolvedClient,
	source, target string, frame *clientFrame) {

	projectIds := make(map[string]bool)
	collect := func(clientId string) {
		if state := globals.topology.clientStateOf(clientId); state != nil && state.Browser != nil {
			projectIds[state.Browser.ProjectId] = true
		}
	}
	collect(senderId)
	for _, rcpt := range recipients {
		collect(rcpt.clientId)
	}

	var records []t.RecordedMessage
	now := time.Now().UTC()
	for projectId := range projectIds {
		metadata, err := cachedProjectGet(ctx, projectId)
		if err != nil {
			continue
		}
		trace := metadata.ActiveTrace()
		if trace == nil {
			continue
		}
		records = append(records, t.RecordedMessage{
			ProjectId: projectId,
			TraceId:   trace.Id,
			Seq:       rt.nextSeq(projectId + "/" + trace.Id),
			Time:      now,
			Source:    source,
			Target:    target,
			Type:      frame.MsgType,
			Content:   frame.Content,
		})
	}

	if len(records) > 0 {
		if err := store.Messages.Record(ctx, records); err != nil {
			logs.Warn.Println("router: failed to record trace messages", err)
		}
	}
}

// nextSeq returns the next monotonic sequence number for a trace.
func (rt *Router) nextSeq(traceKey string) int64 {
	rt.seqLock.Lock()
	ctr := rt.seqs[traceKey]
	if ctr == nil {
		ctr = new(int64)
		rt.seqs[traceKey] = ctr
	}
	rt.seqLock.Unlock()
	return atomic.AddInt64(ctr, 1)
}

// dropSeq forgets a trace's counter once the trace is closed or deleted.
func (rt *Router) dropSeq(projectId, traceId string) {
	rt.seqLock.Lock()
	delete(rt.seqs, projectId+"/"+traceId)
	rt.seqLock.Unlock()
}

// relayActions forwards a request-actions frame to the other occupants of
// the sender's role; a peer holding the edit history can replay it. Edit
// streams are not persisted server-side.
func (rt *Router) relayActions(sender *Client, frame *clientFrame) {
	state := globals.topology.clientStateOf(sender.id)
	if state == nil || state.Browser == nil {
		return
	}

	out := &serverFrame{
		Type:    frameRequestActions,
		Content: frame.Content,
	}
	for _, clientId := range globals.topology.occupantsOf(state.Browser.ProjectId, state.Browser.RoleId) {
		if clientId != sender.id {
			globals.topology.send(clientId, out)
		}
	}
}

// requestRoleData asks one live occupant of the role for a snapshot and
// waits for the correlated project-response.
func (rt *Router) requestRoleData(ctx context.Context, projectId, roleId string) (*t.RoleData, error) {
	occupants := globals.topology.occupantsOf(projectId, roleId)
	if len(occupants) == 0 {
		return nil, errRoleFetchTimeout()
	}
	occupant := occupants[0]

	requestId := uuid.NewString()
	p := &pendingResponse{
		clientId: occupant,
		reply:    make(chan *t.RoleData, 1),
	}
	rt.lock.Lock()
	rt.pending[requestId] = p
	rt.lock.Unlock()

	defer func() {
		rt.lock.Lock()
		delete(rt.pending, requestId)
		rt.lock.Unlock()
	}()

	globals.topology.send(occupant, roleDataRequestFrame(requestId))

	timer := time.NewTimer(globals.roleFetchTimeout)
	defer timer.Stop()

	select {
	case data := <-p.reply:
		if data == nil {
			return nil, errClientGone()
		}
		return data, nil
	case <-timer.C:
		return nil, errRoleFetchTimeout()
	case <-ctx.Done():
		return nil, errClientGone()
	}
}

// resolvePending wakes the waiter of a project-response.
func (rt *Router) resolvePending(requestId string, data *t.RoleData) {
	rt.lock.Lock()
	p := rt.pending[requestId]
	delete(rt.pending, requestId)
	rt.lock.Unlock()

	if p == nil {
		// Timed out or aborted; drop the late reply.
		return
	}
	p.reply <- data
}

// abortPendingFor wakes waiters of fetches sent to a client that is gone.
func (rt *Router) abortPendingFor(clientId string) {
	rt.lock.Lock()
	var aborted []*pendingResponse
	for requestId, p := range rt.pending {
		if p.clientId == clientId {
			aborted = append(aborted, p)
			delete(rt.pending, requestId)
		}
	}
	rt.lock.Unlock()

	for _, p := range aborted {
		p.reply <- nil
	}
}
