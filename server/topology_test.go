package main

import (
	"context"
	"testing"
	"time"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// seatClient seats a client directly, minting the witness the way a passing
// canOccupyRole would. Authorization of the WS frame itself is covered by
// the dispatch tests.
func seatClient(c *Client, projectId, roleId string) {
	globals.topology.setState(c.id, &clientState{
		Browser: &browserState{ProjectId: projectId, RoleId: roleId},
	}, &occupyRole{projectId: projectId, roleId: roleId})
}

func makeProject(tb testing.TB, owner, name string) *t.ProjectMetadata {
	tb.Helper()
	metadata, err := createProject(context.Background(), owner, &newProjectRequest{Name: name})
	if err != nil {
		tb.Fatal(err)
	}
	return metadata
}

func soleRoleId(metadata *t.ProjectMetadata) string {
	for roleId := range metadata.Roles {
		return roleId
	}
	return ""
}

func TestSetStateOccupancy(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")

	seatClient(c, metadata.Id, roleId)

	occupants := globals.topology.occupantsOf(metadata.Id, roleId)
	if len(occupants) != 1 || occupants[0] != c.id {
		tt.Fatalf("occupants = %v, want [%s]", occupants, c.id)
	}

	if seq := globals.topology.seq(metadata.Id); seq == 0 {
		tt.Error("seq did not advance on occupancy change")
	}
}

func TestSeqMonotonic(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)

	var prev int64
	for i := 0; i < 3; i++ {
		c := newTestClient("")
		seatClient(c, metadata.Id, roleId)
		seq := globals.topology.seq(metadata.Id)
		if seq <= prev {
			tt.Fatalf("seq = %d after mutation, want > %d", seq, prev)
		}
		prev = seq
	}
}

func TestDisconnectAwayMarksTransient(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)

	c.cleanUp(reasonAway)

	stored, err := store.Projects.Get(context.Background(), metadata.Id)
	if err != nil {
		tt.Fatal(err)
	}
	if stored.State != t.StateTransient {
		tt.Errorf("state = %v, want transient", stored.State)
	}
	if stored.DeleteAt == nil {
		tt.Fatal("deleteAt not set")
	}
	wantAt := time.Now().UTC().Add(globals.inactivityTimeout)
	if stored.DeleteAt.Before(wantAt.Add(-time.Minute)) || stored.DeleteAt.After(wantAt.Add(time.Minute)) {
		tt.Errorf("deleteAt = %v, want about %v", stored.DeleteAt, wantAt)
	}

	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 0 {
		tt.Error("occupancy survived the disconnect")
	}
}

func TestReopenCancelsTransient(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)
	c.cleanUp(reasonAway)

	c2 := newTestClient("alice")
	seatClient(c2, metadata.Id, roleId)

	stored, err := store.Projects.Get(context.Background(), metadata.Id)
	if err != nil {
		tt.Fatal(err)
	}
	if stored.State != t.StateCreated {
		tt.Errorf("state = %v, want created", stored.State)
	}
	if stored.DeleteAt != nil {
		tt.Error("deleteAt not cleared on reopen")
	}
}

func TestDisconnectBrokenMarksBroken(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)

	c.cleanUp(reasonBroken)

	stored, err := store.Projects.Get(context.Background(), metadata.Id)
	if err != nil {
		tt.Fatal(err)
	}
	if stored.State != t.StateBroken {
		tt.Errorf("state = %v, want broken", stored.State)
	}
}

func TestSavedNeverMarkedTransient(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)

	ctx := context.Background()
	if _, err := store.Projects.SetState(ctx, metadata.Id, nil, t.StateSaved, nil); err != nil {
		tt.Fatal(err)
	}
	invalidateProjectCache(metadata.Id)

	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)
	c.cleanUp(reasonAway)

	stored, err := store.Projects.Get(ctx, metadata.Id)
	if err != nil {
		tt.Fatal(err)
	}
	if stored.State != t.StateSaved {
		tt.Errorf("state = %v, want saved", stored.State)
	}
}

func TestExternalRegistration(tt *testing.T) {
	testSetup()

	c := newTestClient("bot-user")
	globals.topology.setState(c.id, &clientState{
		External: &externalState{Address: "bot@TicTacToe", AppId: "RoboScape"},
	}, nil)

	if id, ok := globals.topology.externalLookup("roboscape", "bot@TicTacToe"); !ok || id != c.id {
		tt.Fatal("external client not found under its literal address")
	}
	// Role/project segment compares case-insensitively, owner is exact.
	if _, ok := globals.topology.externalLookup("roboscape", "BOT@TicTacToe"); !ok {
		tt.Error("address part should match case-insensitively")
	}
	if _, ok := globals.topology.externalLookup("roboscape", "bot@tictactoe"); ok {
		tt.Error("owner segment should match case-sensitively")
	}

	clients := globals.topology.externalClients()
	if len(clients) != 1 || clients[0].Address != "bot@TicTacToe" {
		tt.Errorf("externalClients = %+v", clients)
	}

	c.cleanUp(reasonAway)
	if _, ok := globals.topology.externalLookup("roboscape", "bot@TicTacToe"); ok {
		tt.Error("registration survived the disconnect")
	}
}

func TestEvict(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)

	globals.topology.evict(c.id)

	if globals.clientStore.Get(c.id) != nil {
		tt.Error("evicted client still registered")
	}
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 0 {
		tt.Error("evicted client still occupies its role")
	}

	// The eviction frame travels on the stop channel, ahead of the close.
	select {
	case raw := <-c.stop:
		if raw == nil {
			tt.Fatal("stop frame is empty")
		}
	default:
		tt.Fatal("no eviction frame queued")
	}
}

func TestOnlineUsers(tt *testing.T) {
	testSetup()

	newTestClient("alice")
	newTestClient("bob")

	online := globals.topology.onlineUsers([]string{"alice", "carol"})
	if len(online) != 1 || online[0] != "alice" {
		tt.Errorf("onlineUsers = %v, want [alice]", online)
	}
}

func TestRoomStateOf(tt *testing.T) {
	testSetup()

	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)

	state := globals.topology.roomStateOf(metadata)
	if state.Owner != "alice" || state.Name != "game" {
		tt.Errorf("room state header = %+v", state)
	}
	role := state.Roles[roleId]
	if len(role.Occupants) != 1 || role.Occupants[0].Name != "alice" {
		tt.Errorf("occupants = %+v", role.Occupants)
	}
	if state.Version != globals.topology.seq(metadata.Id) {
		tt.Error("room state version is not the room seq")
	}
}
