package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// projectWithRole creates a project whose single role carries the given name.
func projectWithRole(tb testing.TB, owner, projectName, roleName string) *t.ProjectMetadata {
	tb.Helper()
	metadata, err := createProject(context.Background(), owner, &newProjectRequest{
		Name:  projectName,
		Roles: map[string]t.RoleData{roleName: {Name: roleName}},
	})
	if err != nil {
		tb.Fatal(err)
	}
	return metadata
}

func TestCrossAppDelivery(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")

	// External client E registered under a literal address.
	e := newTestClient("bot-user")
	globals.topology.setState(e.id, &clientState{
		External: &externalState{Address: "bot@TicTacToe", AppId: "ExternalApp"},
	}, nil)

	// Browser client B occupies role host in room@alice.
	metadata := projectWithRole(tt, "alice", "room", "host")
	b := newTestClient("alice")
	seatClient(b, metadata.Id, soleRoleId(metadata))
	drainFrames(e)
	drainFrames(b)

	globals.router.route(b, &clientFrame{
		Type:            frameMessage,
		TargetAddresses: []string{"bot@TicTacToe #ExternalApp"},
		MsgType:         "ping",
		Content:         json.RawMessage(`{}`),
	})

	frames := drainFrames(e)
	if len(frames) != 1 {
		tt.Fatalf("external inbox holds %d frames, want 1", len(frames))
	}
	got := frames[0]
	if got.Type != frameMessage || got.MsgType != "ping" {
		tt.Errorf("frame = %+v", got)
	}
	if got.SourceAddress != "host@room@alice #NetsBlox" {
		tt.Errorf("source = %q, want host@room@alice #NetsBlox", got.SourceAddress)
	}
}

func TestRouteRejectsForgedSource(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")
	b := newTestClient("alice")
	seatClient(b, metadata.Id, soleRoleId(metadata))

	peer := newTestClient("")
	globals.topology.setState(peer.id, &clientState{
		External: &externalState{Address: "peer@App", AppId: "App"},
	}, nil)
	drainFrames(peer)

	globals.router.route(b, &clientFrame{
		Type:            frameMessage,
		SourceAddress:   "admin@secret@nobody #NetsBlox",
		TargetAddresses: []string{"peer@App #App"},
		MsgType:         "ping",
	})

	if frames := drainFrames(peer); len(frames) != 0 {
		tt.Error("frame with forged source was delivered")
	}
}

func TestTraceCapture(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")
	roleId := soleRoleId(metadata)

	b := newTestClient("alice")
	c2 := newTestClient("")
	seatClient(b, metadata.Id, roleId)
	seatClient(c2, metadata.Id, roleId)

	fresh, err := cachedProjectGet(ctx, metadata.Id)
	if err != nil {
		tt.Fatal(err)
	}
	trace, err := startTrace(ctx, &editProject{metadata: fresh})
	if err != nil {
		tt.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		globals.router.route(b, &clientFrame{
			Type:            frameMessage,
			TargetAddresses: []string{roleOthers + "@room@alice"},
			MsgType:         "tick",
			Content:         json.RawMessage(`{"n":1}`),
		})
	}

	messages, err := store.Messages.ForTrace(ctx, metadata.Id, trace.Id)
	if err != nil {
		tt.Fatal(err)
	}
	if len(messages) != 3 {
		tt.Fatalf("recorded %d messages, want 3", len(messages))
	}
	for i, msg := range messages {
		if msg.Seq != int64(i+1) {
			tt.Errorf("seq[%d] = %d, want %d", i, msg.Seq, i+1)
		}
		if msg.Type != "tick" {
			tt.Errorf("recorded type = %q", msg.Type)
		}
	}
}

func TestRoleDataFetchNoOccupant(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")

	start := time.Now()
	_, err := globals.router.requestRoleData(context.Background(), metadata.Id, soleRoleId(metadata))
	if err == nil {
		tt.Fatal("fetch with no occupant succeeded")
	}
	if toAPIError(err).Kind != "RoleFetchTimeout" {
		tt.Errorf("error kind = %q, want RoleFetchTimeout", toAPIError(err).Kind)
	}
	if time.Since(start) > globals.roleFetchTimeout+100*time.Millisecond {
		tt.Error("no-occupant fetch did not fail fast")
	}
}

func TestRoleDataFetchTimeout(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)

	// The occupant never replies.
	_, err := globals.router.requestRoleData(context.Background(), metadata.Id, roleId)
	if err == nil || toAPIError(err).Kind != "RoleFetchTimeout" {
		tt.Errorf("err = %v, want RoleFetchTimeout", err)
	}
}

func TestRoleDataFetchRoundTrip(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)
	drainFrames(c)

	// Reply as the occupant would once the get-role-data frame arrives.
	go func() {
		deadline := time.After(time.Second)
		for {
			select {
			case raw := <-c.send:
				var frame serverFrame
				if json.Unmarshal(raw.([]byte), &frame) == nil && frame.Type == frameGetRoleData {
					globals.router.resolvePending(frame.RequestId, &t.RoleData{
						Name: "host", Code: "<live>",
					})
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	data, err := globals.router.requestRoleData(context.Background(), metadata.Id, roleId)
	if err != nil {
		tt.Fatal(err)
	}
	if data.Code != "<live>" {
		tt.Errorf("code = %q, want <live>", data.Code)
	}
}

func TestRoleDataFetchAbortOnDisconnect(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.cleanUp(reasonBroken)
	}()

	_, err := globals.router.requestRoleData(context.Background(), metadata.Id, roleId)
	if err == nil || toAPIError(err).Kind != "ClientGone" {
		tt.Errorf("err = %v, want ClientGone", err)
	}
}

func TestRelayActions(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := projectWithRole(tt, "alice", "room", "host")
	roleId := soleRoleId(metadata)

	a := newTestClient("alice")
	b := newTestClient("")
	seatClient(a, metadata.Id, roleId)
	seatClient(b, metadata.Id, roleId)
	drainFrames(a)
	drainFrames(b)

	globals.router.relayActions(a, &clientFrame{
		Type:    frameRequestActions,
		Content: json.RawMessage(`{"since": 17}`),
	})

	if frames := drainFrames(b); len(frames) != 1 || frames[0].Type != frameRequestActions {
		tt.Errorf("peer frames = %+v", frames)
	}
	if frames := drainFrames(a); len(frames) != 0 {
		tt.Error("request-actions echoed to the sender")
	}
}
