package broadcast

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/connection/connectiontest"
	"github.com/rickgao/collabhub/internal/model"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clockwork.FakeClock
	registry *connection.Registry
	bc       *Broadcaster
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(testEpoch)
	reg := connection.NewRegistry(connection.DefaultRegistryConfig(), clk, nil)
	return &fixture{
		clock:    clk,
		registry: reg,
		bc:       New(cfg, reg, clk, nil, opts...),
	}
}

func (f *fixture) connect(t *testing.T, user model.User) (*connection.Connection, *connectiontest.Transport) {
	t.Helper()
	tr := connectiontest.New()
	conn := connection.New(user, tr, connection.DefaultConfig(), f.clock, nil)
	if err := f.registry.Add(conn); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	return conn, tr
}

// settle drains the broadcaster and flushes every connection.
func (f *fixture) settle() {
	for f.bc.Drain() > 0 {
	}
	for _, c := range f.registry.All() {
		for c.Flush() > 0 {
		}
	}
}

func TestBroadcast_WorkspaceExcludeUsers(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a, trA := f.connect(t, model.User{ID: "A", WorkspaceID: "W"})
	f.connect(t, model.User{ID: "B", WorkspaceID: "W"})

	report, err := f.bc.Broadcast(model.BroadcastEvent{
		Event:  "task.updated",
		Data:   map[string]string{"taskId": "T1"},
		Target: model.Target{Type: model.TargetWorkspace, ID: "W", ExcludeUsers: []string{"B"}},
	})
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if len(report.Outcomes) != 1 || report.Outcomes[0].ConnID != a.ID() {
		t.Fatalf("outcomes = %+v, want only A", report.Outcomes)
	}
	if report.Count(OutcomeQueued) != 1 {
		t.Errorf("queued = %d, want 1", report.Count(OutcomeQueued))
	}

	f.settle()

	if trA.Count("task.updated") != 1 {
		t.Fatalf("A received %d task.updated, want 1", trA.Count("task.updated"))
	}
	frame, _ := trA.Last("task.updated")
	if string(frame.Data) != `{"taskId":"T1"}` {
		t.Errorf("payload = %s", frame.Data)
	}
	if frame.MessageID != report.EventID {
		t.Errorf("messageId = %q, want event id %q", frame.MessageID, report.EventID)
	}
}

func TestBroadcast_ExcludedUserReceivesNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, model.User{ID: "A", WorkspaceID: "W"})
	_, trB := f.connect(t, model.User{ID: "B", WorkspaceID: "W"})

	f.bc.Broadcast(model.BroadcastEvent{
		Event:    "task.updated",
		Target:   model.Target{Type: model.TargetWorkspace, ID: "W", ExcludeUsers: []string{"B"}},
		Priority: model.PriorityHigh,
	})
	f.settle()

	if n := len(trB.Frames()); n != 0 {
		t.Errorf("B received %d frames, want 0", n)
	}
}

func TestBroadcast_FilteredIsNotFailed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a, trA := f.connect(t, model.User{ID: "A", WorkspaceID: "W"})
	f.connect(t, model.User{ID: "C", WorkspaceID: "W"})
	a.SetFilter(&model.Filter{EventTypes: []string{"comment.created"}})

	var finals []Delivery
	f.bc.Delivered.On(func(d Delivery) { finals = append(finals, d) })

	report, _ := f.bc.Broadcast(model.BroadcastEvent{
		Event:    "task.updated",
		Target:   model.Target{Type: model.TargetWorkspace, ID: "W"},
		Priority: model.PriorityHigh,
	})

	if report.Count(OutcomeFiltered) != 1 || report.Count(OutcomeDelivered) != 1 {
		t.Errorf("outcomes = %+v, want 1 filtered 1 delivered", report.Outcomes)
	}
	if report.Count(OutcomeFailed) != 0 {
		t.Error("filtered recipient must not count as failed")
	}
	if len(trA.Frames()) != 0 {
		t.Error("filtered connection received a frame")
	}
	if len(finals) != 2 {
		t.Errorf("Delivered hook fired %d times, want 2", len(finals))
	}

	stats := f.bc.Stats()
	if stats.Filtered != 1 || stats.Failed != 0 || stats.Delivered != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBroadcast_HighBeforeQueuedLow(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, tr := f.connect(t, model.User{ID: "A", WorkspaceID: "W"})
	target := model.Target{Type: model.TargetUser, ID: "A"}

	f.bc.Broadcast(model.BroadcastEvent{Event: "low.1", Target: target, Priority: model.PriorityLow})
	f.bc.Broadcast(model.BroadcastEvent{Event: "low.2", Target: target, Priority: model.PriorityLow})
	report, _ := f.bc.Broadcast(model.BroadcastEvent{Event: "urgent", Target: target, Priority: model.PriorityHigh})

	if report.Count(OutcomeDelivered) != 1 {
		t.Fatalf("high outcome = %+v, want delivered inline", report.Outcomes)
	}
	if got := tr.Events(); len(got) != 1 || got[0] != "urgent" {
		t.Fatalf("before drain got %v, want [urgent]", got)
	}

	f.settle()

	want := []string{"urgent", "low.1", "low.2"}
	got := tr.Events()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBroadcast_FailureIsolated(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	dead, _ := f.connect(t, model.User{ID: "A", WorkspaceID: "W"})
	_, trOK := f.connect(t, model.User{ID: "B", WorkspaceID: "W"})
	dead.Close(connection.CloseNormal, "")

	report, err := f.bc.Broadcast(model.BroadcastEvent{
		Event:    "task.updated",
		Target:   model.Target{Type: model.TargetWorkspace, ID: "W"},
		Priority: model.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Broadcast returned error: %v", err)
	}

	if report.Count(OutcomeFailed) != 1 || report.Count(OutcomeDelivered) != 1 {
		t.Errorf("outcomes = %+v, want 1 failed 1 delivered", report.Outcomes)
	}
	for _, d := range report.Outcomes {
		if d.Outcome == OutcomeFailed && !errors.Is(d.Err, connection.ErrConnectionClosed) {
			t.Errorf("failed Err = %v, want ErrConnectionClosed", d.Err)
		}
	}
	if trOK.Count("task.updated") != 1 {
		t.Error("live recipient did not receive the event")
	}
}

func TestBroadcast_QueuedFailureFinalisedAtDrain(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	conn, _ := f.connect(t, model.User{ID: "A", WorkspaceID: "W"})

	var finals []Delivery
	f.bc.Delivered.On(func(d Delivery) { finals = append(finals, d) })

	f.bc.Broadcast(model.BroadcastEvent{Event: "x", Target: model.Target{Type: model.TargetUser, ID: "A"}})
	conn.Close(connection.CloseNormal, "")
	f.bc.Drain()

	if len(finals) != 1 || finals[0].Outcome != OutcomeFailed {
		t.Errorf("finals = %+v, want one failed", finals)
	}
}

func TestBroadcast_TargetTypes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, model.User{ID: "A", WorkspaceID: "W1", Roles: []string{"admin"}})
	b, _ := f.connect(t, model.User{ID: "B", WorkspaceID: "W1"})
	f.connect(t, model.User{ID: "C", WorkspaceID: "W2"})
	f.registry.SubscribeToProject(b.ID(), "P1")

	tests := []struct {
		target model.Target
		want   int
	}{
		{model.Target{Type: model.TargetWorkspace, ID: "W1"}, 2},
		{model.Target{Type: model.TargetProject, ID: "P1"}, 1},
		{model.Target{Type: model.TargetUser, ID: "C"}, 1},
		{model.Target{Type: model.TargetRole, ID: "admin"}, 1},
		{model.Target{Type: model.TargetGlobal}, 3},
		{model.Target{Type: model.TargetGlobal, ExcludeUsers: []string{"A", "C"}}, 1},
		{model.Target{Type: model.TargetProject, ID: "P404"}, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.target.Type)+":"+tt.target.ID, func(t *testing.T) {
			report, err := f.bc.Broadcast(model.BroadcastEvent{Event: "e", Target: tt.target})
			if err != nil {
				t.Fatalf("Broadcast failed: %v", err)
			}
			if len(report.Outcomes) != tt.want {
				t.Errorf("recipients = %d, want %d", len(report.Outcomes), tt.want)
			}
		})
	}
}

func TestBroadcast_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	tests := []struct {
		name string
		evt  model.BroadcastEvent
		want error
	}{
		{"missing event", model.BroadcastEvent{Target: model.Target{Type: model.TargetGlobal}}, ErrInvalidEvent},
		{"bad target type", model.BroadcastEvent{Event: "e", Target: model.Target{Type: "galaxy"}}, ErrInvalidTarget},
		{"missing target id", model.BroadcastEvent{Event: "e", Target: model.Target{Type: model.TargetWorkspace}}, ErrInvalidTarget},
		{"bad priority", model.BroadcastEvent{Event: "e", Target: model.Target{Type: model.TargetGlobal}, Priority: "urgent"}, ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.bc.Broadcast(tt.evt); !errors.Is(err, tt.want) {
				t.Errorf("Broadcast() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDrain_Batch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainBatch = 2
	f := newFixture(t, cfg)
	f.connect(t, model.User{ID: "A", WorkspaceID: "W"})

	for i := 0; i < 3; i++ {
		f.bc.Broadcast(model.BroadcastEvent{Event: "e", Target: model.Target{Type: model.TargetUser, ID: "A"}})
	}

	if n := f.bc.Drain(); n != 2 {
		t.Errorf("first Drain() = %d, want 2", n)
	}
	if f.bc.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", f.bc.Pending())
	}
	if n := f.bc.Drain(); n != 1 {
		t.Errorf("second Drain() = %d, want 1", n)
	}
}

func TestStoredEvents_ImmediateReplay(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	user := model.User{ID: "A", WorkspaceID: "W"}

	stored, err := f.bc.StoreEvent(model.BroadcastEvent{
		Event:  "task.created",
		Target: model.Target{Type: model.TargetUser, ID: "A"},
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	got := f.bc.StoredEvents(user, time.Time{}, nil)
	if len(got) != 1 || got[0].ID != stored.ID {
		t.Fatalf("StoredEvents = %+v, want [%s]", got, stored.ID)
	}
}

func TestStoredEvents_TTL(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	user := model.User{ID: "A", WorkspaceID: "W"}

	report, _ := f.bc.Broadcast(model.BroadcastEvent{
		Event:      "task.created",
		Target:     model.Target{Type: model.TargetWorkspace, ID: "W"},
		Persistent: true,
		TTL:        10 * time.Minute,
	})
	if !report.Stored {
		t.Fatal("persistent event not stored")
	}

	f.clock.Advance(10*time.Minute - time.Millisecond)
	if got := f.bc.StoredEvents(user, testEpoch, nil); len(got) != 1 {
		t.Fatalf("before expiry got %d events, want 1", len(got))
	}

	f.clock.Advance(time.Millisecond)
	if got := f.bc.StoredEvents(user, testEpoch, nil); len(got) != 0 {
		t.Errorf("at expiry got %d events, want 0", len(got))
	}
}

func TestStoredEvents_DefaultTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = time.Minute
	f := newFixture(t, cfg)

	evt, _ := f.bc.StoreEvent(model.BroadcastEvent{Event: "e", Target: model.Target{Type: model.TargetGlobal}})
	if evt.TTL != time.Minute {
		t.Errorf("TTL = %v, want 1m", evt.TTL)
	}
}

func TestStoredEvents_SinceAndOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	user := model.User{ID: "A", WorkspaceID: "W"}
	target := model.Target{Type: model.TargetWorkspace, ID: "W"}

	// Stored out of timestamp order.
	f.bc.StoreEvent(model.BroadcastEvent{Event: "third", Target: target, Timestamp: testEpoch.Add(3 * time.Second)})
	f.bc.StoreEvent(model.BroadcastEvent{Event: "first", Target: target, Timestamp: testEpoch.Add(1 * time.Second)})
	f.bc.StoreEvent(model.BroadcastEvent{Event: "second", Target: target, Timestamp: testEpoch.Add(2 * time.Second)})

	got := f.bc.StoredEvents(user, testEpoch.Add(2*time.Second), nil)
	if len(got) != 2 || got[0].Event != "second" || got[1].Event != "third" {
		t.Errorf("got %v, want [second third]", eventNames(got))
	}

	all := f.bc.StoredEvents(user, time.Time{}, &model.Filter{EventTypes: []string{"first", "third"}})
	if len(all) != 2 || all[0].Event != "first" || all[1].Event != "third" {
		t.Errorf("filtered got %v, want [first third]", eventNames(all))
	}
}

func TestStoredEvents_Relevance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	user := model.User{ID: "A", WorkspaceID: "W1", Roles: []string{"member"}}

	tests := []struct {
		name string
		evt  model.BroadcastEvent
		want bool
	}{
		{"global", model.BroadcastEvent{Target: model.Target{Type: model.TargetGlobal}}, true},
		{"own user", model.BroadcastEvent{Target: model.Target{Type: model.TargetUser, ID: "A"}}, true},
		{"other user", model.BroadcastEvent{Target: model.Target{Type: model.TargetUser, ID: "B"}}, false},
		{"own workspace", model.BroadcastEvent{Target: model.Target{Type: model.TargetWorkspace, ID: "W1"}}, true},
		{"other workspace", model.BroadcastEvent{Target: model.Target{Type: model.TargetWorkspace, ID: "W2"}}, false},
		{"held role", model.BroadcastEvent{Target: model.Target{Type: model.TargetRole, ID: "member"}}, true},
		{"missing role", model.BroadcastEvent{Target: model.Target{Type: model.TargetRole, ID: "admin"}}, false},
		{"project in own workspace", model.BroadcastEvent{
			Source: model.Source{WorkspaceID: "W1"},
			Target: model.Target{Type: model.TargetProject, ID: "P1"},
		}, true},
		{"project in other workspace", model.BroadcastEvent{
			Source: model.Source{WorkspaceID: "W2"},
			Target: model.Target{Type: model.TargetProject, ID: "P1"},
		}, false},
		{"excluded", model.BroadcastEvent{Target: model.Target{Type: model.TargetGlobal, ExcludeUsers: []string{"A"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.bc.relevant(user, tt.evt); got != tt.want {
				t.Errorf("relevant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStoredEvents_ProjectMembership(t *testing.T) {
	members := map[string]bool{"A/P1": true}
	f := newFixture(t, DefaultConfig(), WithProjectMembership(MembershipFunc(func(u model.User, p string) bool {
		return members[u.ID+"/"+p]
	})))
	user := model.User{ID: "A", WorkspaceID: "W1"}

	inWS := model.BroadcastEvent{Source: model.Source{WorkspaceID: "W1"}, Target: model.Target{Type: model.TargetProject, ID: "P2"}}
	if f.bc.relevant(user, inWS) {
		t.Error("membership check should override the workspace comparison")
	}

	member := model.BroadcastEvent{Source: model.Source{WorkspaceID: "W9"}, Target: model.Target{Type: model.TargetProject, ID: "P1"}}
	if !f.bc.relevant(user, member) {
		t.Error("project member should see the event")
	}
}

func TestStore_SizeCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStoredEvents = 2
	f := newFixture(t, cfg)

	var evicted []string
	f.bc.Evicted.On(func(e model.BroadcastEvent) { evicted = append(evicted, e.Event) })

	target := model.Target{Type: model.TargetGlobal}
	for _, name := range []string{"a", "b", "c"} {
		f.bc.StoreEvent(model.BroadcastEvent{Event: name, Target: target})
	}

	got := f.bc.StoredEvents(model.User{ID: "U"}, time.Time{}, nil)
	if len(got) != 2 || got[0].Event != "b" || got[1].Event != "c" {
		t.Errorf("stored = %v, want [b c]", eventNames(got))
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("evicted = %v, want [a]", evicted)
	}
	if f.bc.Stats().StoredEvents != 2 {
		t.Errorf("StoredEvents stat = %d, want 2", f.bc.Stats().StoredEvents)
	}
}

func TestStore_RemoveKeepsOrder(t *testing.T) {
	clk := clockwork.NewFakeClockAt(testEpoch)
	s := newEventStore(clk, 0)
	noop := func(string) {}

	for _, id := range []string{"1", "2", "3"} {
		s.put(model.BroadcastEvent{ID: id, Timestamp: testEpoch, TTL: time.Hour}, noop)
	}
	if _, ok := s.remove("2"); !ok {
		t.Fatal("remove(2) returned false")
	}
	if _, ok := s.remove("2"); ok {
		t.Error("second remove(2) returned true")
	}

	snap := s.snapshot()
	if len(snap) != 2 || snap[0].ID != "1" || snap[1].ID != "3" {
		t.Errorf("snapshot = %v", snap)
	}
}

func eventNames(evts []model.BroadcastEvent) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Event
	}
	return out
}

func TestStore_ExpiredEventNotStored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, tr := f.connect(t, model.User{ID: "A", WorkspaceID: "W"})

	stale := model.BroadcastEvent{
		Event:      "task.created",
		Target:     model.Target{Type: model.TargetWorkspace, ID: "W"},
		Timestamp:  testEpoch.Add(-time.Hour),
		TTL:        time.Minute,
		Persistent: true,
		Priority:   model.PriorityHigh,
	}

	report, err := f.bc.Broadcast(stale)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if report.Stored {
		t.Error("expired event reported as stored")
	}
	if tr.Count("task.created") != 1 {
		t.Errorf("live delivery = %d frames, want 1", tr.Count("task.created"))
	}

	if _, err := f.bc.StoreEvent(stale); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("StoreEvent(expired) err = %v, want ErrInvalidEvent", err)
	}
	if n := f.bc.Stats().StoredEvents; n != 0 {
		t.Errorf("StoredEvents = %d, want 0", n)
	}
}

func TestStore_PutArmsTimerAfterInsert(t *testing.T) {
	clk := clockwork.NewFakeClockAt(testEpoch)
	s := newEventStore(clk, 0)

	expired := make(chan string, 1)
	if _, ok := s.put(model.BroadcastEvent{ID: "1", Timestamp: testEpoch, TTL: time.Second}, func(id string) {
		s.remove(id)
		expired <- id
	}); !ok {
		t.Fatal("put rejected a live event")
	}
	if _, ok := s.put(model.BroadcastEvent{ID: "2", Timestamp: testEpoch, TTL: 0}, func(string) {}); ok {
		t.Error("put accepted an event expiring now")
	}

	clk.Advance(time.Second)
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if n := s.len(); n != 0 {
		t.Errorf("len = %d, want 0 after expiry", n)
	}
}
