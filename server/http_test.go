package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// doRequest runs a request through the real mux, optionally with a session
// cookie for the given username.
func doRequest(tb testing.TB, mux http.Handler, method, path, username string, body any) *httptest.ResponseRecorder {
	tb.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			tb.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:12345"

	if username != "" {
		issuer := httptest.NewRecorder()
		if err := issueSession(issuer, username); err != nil {
			tb.Fatal(err)
		}
		for _, cookie := range issuer.Result().Cookies() {
			req.AddCookie(cookie)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestLoginFlow(tt *testing.T) {
	testSetup()
	mux := newMux()

	rec := doRequest(tt, mux, "POST", "/users/create", "", &newUserRequest{
		Username:     "alice",
		Email:        "alice@netsblox.org",
		PasswordHash: "clienthash",
	})
	if rec.Code != http.StatusCreated {
		tt.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(tt, mux, "POST", "/users/login", "", &loginRequest{
		Username:     "Alice",
		PasswordHash: "clienthash",
	})
	if rec.Code != http.StatusOK {
		tt.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	if len(rec.Result().Cookies()) == 0 {
		tt.Error("login did not set a session cookie")
	}

	rec = doRequest(tt, mux, "POST", "/users/login", "", &loginRequest{
		Username:     "alice",
		PasswordHash: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		tt.Errorf("bad login = %d, want 401", rec.Code)
	}
}

func TestBannedAccountRefusedRecreation(tt *testing.T) {
	testSetup()
	mux := newMux()

	mustCreateUser("root", "root@netsblox.org")
	if err := storeSetAdmin("root"); err != nil {
		tt.Fatal(err)
	}
	mustCreateUser("spammer", "spam@netsblox.org")

	rec := doRequest(tt, mux, "POST", "/users/spammer/ban", "root", nil)
	if rec.Code != http.StatusOK {
		tt.Fatalf("ban = %d: %s", rec.Code, rec.Body.String())
	}

	// Signup with the banned username or email is refused.
	rec = doRequest(tt, mux, "POST", "/users/create", "", &newUserRequest{
		Username: "spammer", Email: "fresh@netsblox.org", PasswordHash: "x",
	})
	if rec.Code != http.StatusForbidden {
		tt.Errorf("banned username recreate = %d, want 403", rec.Code)
	}
	rec = doRequest(tt, mux, "POST", "/users/create", "", &newUserRequest{
		Username: "fresh", Email: "spam@netsblox.org", PasswordHash: "x",
	})
	if rec.Code != http.StatusForbidden {
		tt.Errorf("banned email recreate = %d, want 403", rec.Code)
	}
}

func TestFriendBlockPrecedence(tt *testing.T) {
	testSetup()
	mux := newMux()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")

	// alice blocks bob.
	rec := doRequest(tt, mux, "POST", "/friends/alice/block/bob", "alice", nil)
	if rec.Code != http.StatusOK {
		tt.Fatalf("block = %d: %s", rec.Code, rec.Body.String())
	}

	// bob's invite is refused while blocked.
	rec = doRequest(tt, mux, "POST", "/friends/bob/invite/alice", "bob", nil)
	if rec.Code != http.StatusForbidden {
		tt.Fatalf("invite while blocked = %d, want 403", rec.Code)
	}

	// alice unblocks; bob resends and the invite lands in alice's pending set.
	rec = doRequest(tt, mux, "DELETE", "/friends/alice/bob", "alice", nil)
	if rec.Code != http.StatusOK {
		tt.Fatalf("unblock = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(tt, mux, "POST", "/friends/bob/invite/alice", "bob", nil)
	if rec.Code != http.StatusCreated {
		tt.Fatalf("invite after unblock = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(tt, mux, "GET", "/friends/alice/invites", "alice", nil)
	if rec.Code != http.StatusOK {
		tt.Fatal("invites list failed")
	}
	var invites []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &invites); err != nil {
		tt.Fatal(err)
	}
	if len(invites) != 1 || invites[0]["sender"] != "bob" {
		tt.Errorf("pending invites = %+v", invites)
	}
}

func TestFriendReverseInviteAutoAccepts(tt *testing.T) {
	testSetup()
	mux := newMux()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")

	rec := doRequest(tt, mux, "POST", "/friends/alice/invite/bob", "alice", nil)
	if rec.Code != http.StatusCreated {
		tt.Fatalf("first invite = %d", rec.Code)
	}
	rec = doRequest(tt, mux, "POST", "/friends/bob/invite/alice", "bob", nil)
	if rec.Code != http.StatusOK {
		tt.Fatalf("reverse invite = %d, want auto-accept", rec.Code)
	}

	rec = doRequest(tt, mux, "GET", "/friends/alice", "alice", nil)
	var friends []string
	if err := json.Unmarshal(rec.Body.Bytes(), &friends); err != nil {
		tt.Fatal(err)
	}
	if len(friends) != 1 || friends[0] != "bob" {
		tt.Errorf("friends = %v, want [bob]", friends)
	}
}

func TestProjectNotFoundAfterDelete(tt *testing.T) {
	testSetup()
	mux := newMux()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := makeProject(tt, "alice", "game")

	rec := doRequest(tt, mux, "DELETE", "/projects/id/"+metadata.Id, "alice", nil)
	if rec.Code != http.StatusOK {
		tt.Fatalf("delete = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(tt, mux, "GET", "/projects/id/"+metadata.Id, "alice", nil)
	if rec.Code != http.StatusNotFound {
		tt.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestRoleFetchTimeoutStatus(tt *testing.T) {
	testSetup()
	mux := newMux()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)

	// With no occupant at the role, the live fetch fails fast with 504.
	rec := doRequest(tt, mux, "GET", "/projects/id/"+metadata.Id+"/"+roleId+"/latest", "alice", nil)
	if rec.Code != http.StatusGatewayTimeout {
		tt.Fatalf("latest with no occupant = %d, want 504", rec.Code)
	}

	// A seated but silent occupant times out, then the stored blobs serve.
	c := newTestClient("alice")
	seatClient(c, metadata.Id, roleId)
	rec = doRequest(tt, mux, "GET", "/projects/id/"+metadata.Id+"/"+roleId+"/latest", "alice", nil)
	if rec.Code != http.StatusOK {
		tt.Fatalf("latest with silent occupant = %d: %s", rec.Code, rec.Body.String())
	}
}

func storeSetAdmin(username string) error {
	ctx, cancel := workerContext()
	defer cancel()
	return store.Users.Update(ctx, username, map[string]any{"role": t.RoleAdmin})
}
