package connection

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/connection/connectiontest"
	"github.com/rickgao/collabhub/internal/model"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(testEpoch)
	return NewRegistry(cfg, clk, nil), clk
}

func addConn(t *testing.T, r *Registry, user model.User) (*Connection, *connectiontest.Transport) {
	t.Helper()
	tr := connectiontest.New()
	conn := New(user, tr, DefaultConfig(), r.clock, nil)
	if err := r.Add(conn); err != nil {
		t.Fatalf("Add(%s) failed: %v", user.ID, err)
	}
	return conn, tr
}

func ids(conns []*Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	sort.Strings(out)
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistry_AddDefaultSubscriptions(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn, _ := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1", Roles: []string{"member", "admin"}})

	want := []string{"role:admin", "role:member", "user:U1", "workspace:W1"}
	if got := conn.Subscriptions(); !equalIDs(got, want) {
		t.Errorf("Subscriptions() = %v, want %v", got, want)
	}

	if got := r.ByUser("U1"); len(got) != 1 || got[0] != conn {
		t.Error("ByUser missing connection")
	}
	if got := r.ByWorkspace("W1"); len(got) != 1 || got[0] != conn {
		t.Error("ByWorkspace missing connection")
	}
	if got := r.ByRole("admin"); len(got) != 1 {
		t.Error("ByRole missing connection")
	}
	if ws, ok := r.UserWorkspace("U1"); !ok || ws != "W1" {
		t.Errorf("UserWorkspace = %q %v, want W1 true", ws, ok)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn, _ := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})

	if err := r.Add(conn); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("Add duplicate = %v, want ErrDuplicateConnection", err)
	}
}

func TestRegistry_Capacity(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.MaxConnections = 2
	r, _ := newTestRegistry(t, cfg)

	addConn(t, r, model.User{ID: "U1"})
	addConn(t, r, model.User{ID: "U2"})

	if r.HasCapacity() {
		t.Error("HasCapacity should be false at the limit")
	}
	extra := New(model.User{ID: "U3"}, connectiontest.New(), DefaultConfig(), r.clock, nil)
	if err := r.Add(extra); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Add over capacity = %v, want ErrCapacityExceeded", err)
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn, _ := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})
	r.SubscribeToProject(conn.ID(), "P1")

	var events []Disconnect
	r.Disconnected.On(func(d Disconnect) { events = append(events, d) })

	if !r.Remove(conn.ID(), "closed") {
		t.Fatal("first Remove returned false")
	}
	if r.Remove(conn.ID(), "closed") {
		t.Error("second Remove returned true")
	}

	if len(r.ByUser("U1")) != 0 || len(r.ByWorkspace("W1")) != 0 || len(r.ByProject("P1")) != 0 {
		t.Error("indexes not purged")
	}
	if len(events) != 1 || !events[0].LastForUser {
		t.Errorf("Disconnected events = %+v, want one with LastForUser", events)
	}
}

func TestRegistry_LastForUser(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	a, _ := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})
	b, _ := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})

	var last []bool
	r.Disconnected.On(func(d Disconnect) { last = append(last, d.LastForUser) })

	r.Remove(a.ID(), "closed")
	if !r.IsUserOnline("U1") {
		t.Error("user should still be online with one connection")
	}
	r.Remove(b.ID(), "closed")
	if r.IsUserOnline("U1") {
		t.Error("user should be offline")
	}

	if len(last) != 2 || last[0] || !last[1] {
		t.Errorf("LastForUser sequence = %v, want [false true]", last)
	}
}

func TestRegistry_ProjectIndexFollowsSubscription(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn, _ := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})

	changed, err := r.SubscribeToProject(conn.ID(), "P1")
	if err != nil || !changed {
		t.Fatalf("SubscribeToProject = %v %v", changed, err)
	}
	if changed, _ := r.SubscribeToProject(conn.ID(), "P1"); changed {
		t.Error("second subscribe should report no change")
	}
	if len(r.ByProject("P1")) != 1 {
		t.Error("project index missing connection")
	}

	r.UnsubscribeFromProject(conn.ID(), "P1")
	if len(r.ByProject("P1")) != 0 {
		t.Error("project index should be empty after leave")
	}

	// Leaving the default workspace channel also leaves the workspace index.
	r.Unsubscribe(conn.ID(), WorkspaceChannel("W1"))
	if len(r.ByWorkspace("W1")) != 0 {
		t.Error("workspace index should follow the subscription")
	}

	if _, err := r.Subscribe("missing", "project:P1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Subscribe unknown = %v, want ErrNotFound", err)
	}
}

// Random add/remove/subscribe sequences must leave every index holding
// exactly the live connections subscribed to it.
func TestRegistry_IndexesConsistent(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{HeartbeatInterval: time.Second, Timeout: time.Minute})
	rng := rand.New(rand.NewSource(42))

	var live []*Connection
	for step := 0; step < 500; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(live) == 0:
			user := model.User{
				ID:          fmt.Sprintf("U%d", rng.Intn(5)),
				WorkspaceID: fmt.Sprintf("W%d", rng.Intn(3)),
			}
			conn, _ := addConn(t, r, user)
			live = append(live, conn)
		case op == 1:
			i := rng.Intn(len(live))
			r.Remove(live[i].ID(), "test")
			live = append(live[:i], live[i+1:]...)
		case op == 2:
			r.SubscribeToProject(live[rng.Intn(len(live))].ID(), fmt.Sprintf("P%d", rng.Intn(4)))
		default:
			r.UnsubscribeFromProject(live[rng.Intn(len(live))].ID(), fmt.Sprintf("P%d", rng.Intn(4)))
		}
	}

	if r.Len() != len(live) {
		t.Fatalf("Len() = %d, want %d", r.Len(), len(live))
	}

	expect := func(pred func(*Connection) bool) []string {
		var out []string
		for _, c := range live {
			if pred(c) {
				out = append(out, c.ID())
			}
		}
		sort.Strings(out)
		return out
	}

	for i := 0; i < 5; i++ {
		uid := fmt.Sprintf("U%d", i)
		want := expect(func(c *Connection) bool { return c.User().ID == uid })
		if got := ids(r.ByUser(uid)); !equalIDs(got, want) {
			t.Errorf("ByUser(%s) = %v, want %v", uid, got, want)
		}
	}
	for i := 0; i < 3; i++ {
		ws := fmt.Sprintf("W%d", i)
		want := expect(func(c *Connection) bool { return c.IsSubscribed(WorkspaceChannel(ws)) })
		if got := ids(r.ByWorkspace(ws)); !equalIDs(got, want) {
			t.Errorf("ByWorkspace(%s) = %v, want %v", ws, got, want)
		}
	}
	for i := 0; i < 4; i++ {
		p := fmt.Sprintf("P%d", i)
		want := expect(func(c *Connection) bool { return c.IsSubscribed(ProjectChannel(p)) })
		if got := ids(r.ByProject(p)); !equalIDs(got, want) {
			t.Errorf("ByProject(%s) = %v, want %v", p, got, want)
		}
	}
}

func TestRegistry_Reap(t *testing.T) {
	r, clk := newTestRegistry(t, RegistryConfig{HeartbeatInterval: 30 * time.Second, Timeout: 60 * time.Second})
	stale, staleTr := addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})
	fresh, freshTr := addConn(t, r, model.User{ID: "U2", WorkspaceID: "W1"})

	clk.Advance(45 * time.Second)
	fresh.Touch()
	clk.Advance(20 * time.Second)

	if n := r.Reap(); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}

	if _, ok := r.Get(stale.ID()); ok {
		t.Error("stale connection still registered")
	}
	closed, code, reason := staleTr.Closed()
	if !closed || code != CloseGoingAway || reason != "timeout" {
		t.Errorf("stale transport Closed() = %v %d %q", closed, code, reason)
	}

	if _, ok := r.Get(fresh.ID()); !ok {
		t.Error("fresh connection was reaped")
	}
	if freshTr.Pings() != 1 {
		t.Errorf("fresh Pings = %d, want 1", freshTr.Pings())
	}
}

func TestRegistry_ReapRemovesClosed(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn, _ := addConn(t, r, model.User{ID: "U1"})
	conn.Close(CloseNormal, "bye")

	if n := r.Reap(); n != 1 {
		t.Errorf("Reap() = %d, want 1", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_Stats(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	addConn(t, r, model.User{ID: "U1", WorkspaceID: "W1"})
	addConn(t, r, model.User{ID: "U2", WorkspaceID: "W1"})
	c3, _ := addConn(t, r, model.User{ID: "U3", WorkspaceID: "W2"})
	c3.Close(CloseNormal, "")

	stats := r.Stats()
	if stats.Total != 3 || stats.Active != 2 {
		t.Errorf("Total/Active = %d/%d, want 3/2", stats.Total, stats.Active)
	}
	if stats.ByWorkspace["W1"] != 2 || stats.ByWorkspace["W2"] != 1 {
		t.Errorf("ByWorkspace = %v", stats.ByWorkspace)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultRegistryConfig())
	_, tr1 := addConn(t, r, model.User{ID: "U1"})
	_, tr2 := addConn(t, r, model.User{ID: "U2"})

	r.CloseAll(CloseGoingAway, "server shutdown")

	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll", r.Len())
	}
	for _, tr := range []*connectiontest.Transport{tr1, tr2} {
		if closed, code, _ := tr.Closed(); !closed || code != CloseGoingAway {
			t.Errorf("transport Closed() = %v %d", closed, code)
		}
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		in       string
		kind, id string
		ok       bool
	}{
		{"workspace:W1", "workspace", "W1", true},
		{"project:P:1", "project", "P:1", true},
		{"user:", "", "", false},
		{":x", "", "", false},
		{"nochannel", "", "", false},
	}
	for _, tt := range tests {
		kind, id, ok := ParseChannel(tt.in)
		if kind != tt.kind || id != tt.id || ok != tt.ok {
			t.Errorf("ParseChannel(%q) = %q %q %v, want %q %q %v", tt.in, kind, id, ok, tt.kind, tt.id, tt.ok)
		}
	}
}
