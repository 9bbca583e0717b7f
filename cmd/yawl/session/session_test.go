package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/common/logger"
)

func quiet() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestScopeLattice(t *testing.T) {
	tests := []struct {
		name     string
		held     []Scope
		required []Scope
		want     bool
	}{
		{"admin covers designer", []Scope{ScopeAdmin}, []Scope{ScopeDesigner}, true},
		{"admin covers operator", []Scope{ScopeAdmin}, []Scope{ScopeOperator}, true},
		{"admin covers agent", []Scope{ScopeAdmin}, []Scope{ScopeAgent}, true},
		{"admin covers monitor", []Scope{ScopeAdmin}, []Scope{ScopeMonitor}, true},
		{"designer covers itself", []Scope{ScopeDesigner}, []Scope{ScopeDesigner}, true},
		{"designer covers monitor", []Scope{ScopeDesigner}, []Scope{ScopeMonitor}, true},
		{"designer lacks operator", []Scope{ScopeDesigner}, []Scope{ScopeOperator}, false},
		{"operator covers monitor", []Scope{ScopeOperator}, []Scope{ScopeMonitor}, true},
		{"operator lacks designer", []Scope{ScopeOperator}, []Scope{ScopeDesigner}, false},
		{"operator lacks agent", []Scope{ScopeOperator}, []Scope{ScopeAgent}, false},
		{"agent covers monitor", []Scope{ScopeAgent}, []Scope{ScopeMonitor}, true},
		{"agent lacks operator", []Scope{ScopeAgent}, []Scope{ScopeOperator}, false},
		{"monitor lacks operator", []Scope{ScopeMonitor}, []Scope{ScopeOperator}, false},
		{"monitor lacks admin", []Scope{ScopeMonitor}, []Scope{ScopeAdmin}, false},
		{"either of two tiers suffices", []Scope{ScopeMonitor}, []Scope{ScopeOperator, ScopeMonitor}, true},
		{"second held scope counts", []Scope{ScopeMonitor, ScopeOperator}, []Scope{ScopeOperator}, true},
		{"no requirement admits anyone", []Scope{ScopeMonitor}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Scopes: tt.held}
			if got := s.Allows(tt.required...); got != tt.want {
				t.Errorf("Allows(%v) with %v = %v, want %v", tt.required, tt.held, got, tt.want)
			}
		})
	}
}

func TestParseScopes(t *testing.T) {
	scopes, err := ParseScopes([]string{"admin", "agent"})
	if err != nil {
		t.Fatalf("ParseScopes: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != ScopeAdmin || scopes[1] != ScopeAgent {
		t.Fatalf("ParseScopes = %v", scopes)
	}

	if _, err := ParseScopes([]string{"operator", "root"}); err == nil {
		t.Fatal("expected error for unknown scope name")
	}
}

func TestCanWorkOn(t *testing.T) {
	tests := []struct {
		name string
		sess Session
		task string
		want bool
	}{
		{"operator sees every task", Session{Scopes: []Scope{ScopeOperator}}, "Approve", true},
		{"admin sees every task", Session{Scopes: []Scope{ScopeAdmin}}, "Approve", true},
		{"agent sees assigned task", Session{Scopes: []Scope{ScopeAgent}, TaskNames: []string{"Approve", "Bill"}}, "Bill", true},
		{"agent blind to other tasks", Session{Scopes: []Scope{ScopeAgent}, TaskNames: []string{"Approve"}}, "Bill", false},
		{"agent with no assignments", Session{Scopes: []Scope{ScopeAgent}}, "Approve", false},
		{"monitor never works items", Session{Scopes: []Scope{ScopeMonitor}}, "Approve", false},
		{"agent plus operator unrestricted", Session{Scopes: []Scope{ScopeAgent, ScopeOperator}, TaskNames: []string{"Approve"}}, "Bill", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sess.CanWorkOn(tt.task); got != tt.want {
				t.Errorf("CanWorkOn(%q) = %v, want %v", tt.task, got, tt.want)
			}
		})
	}
}

func testManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()

	alice, err := NewAccount("alice", "s3cret", []string{"operator"}, nil)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	bot, err := NewAccount("bill-bot", "hunter2", []string{"agent"}, []string{"Bill"})
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	store := NewMemoryStore(time.Hour, quiet())
	t.Cleanup(func() { store.Close() })

	mgr, err := NewManager([]Account{alice, bot}, store, quiet())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, store
}

func TestConnectResolveDisconnect(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	if _, err := mgr.Connect(ctx, "alice", "wrong"); !faults.Is(err, faults.KindAuth) {
		t.Fatalf("wrong password: err = %v, want auth fault", err)
	}
	if _, err := mgr.Connect(ctx, "mallory", "s3cret"); !faults.Is(err, faults.KindAuth) {
		t.Fatalf("unknown principal: err = %v, want auth fault", err)
	}

	sess, err := mgr.Connect(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.Handle == "" || sess.Principal != "alice" {
		t.Fatalf("minted session = %+v", sess)
	}

	got, err := mgr.Resolve(ctx, sess.Handle)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Principal != "alice" || !got.Allows(ScopeOperator) {
		t.Fatalf("resolved session = %+v", got)
	}

	if _, err := mgr.Resolve(ctx, "not-a-handle"); !faults.Is(err, faults.KindAuth) {
		t.Fatalf("bogus handle: err = %v, want auth fault", err)
	}
	if _, err := mgr.Resolve(ctx, ""); !faults.Is(err, faults.KindAuth) {
		t.Fatalf("empty handle: err = %v, want auth fault", err)
	}

	if err := mgr.Disconnect(ctx, sess.Handle); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := mgr.Resolve(ctx, sess.Handle); !faults.Is(err, faults.KindAuth) {
		t.Fatalf("resolve after disconnect: err = %v, want auth fault", err)
	}
	// Disconnecting again is a no-op, not an error.
	if err := mgr.Disconnect(ctx, sess.Handle); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestAgentSessionCarriesTaskNames(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	sess, err := mgr.Connect(ctx, "bill-bot", "hunter2")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !sess.CanWorkOn("Bill") {
		t.Error("agent should work its assigned task")
	}
	if sess.CanWorkOn("Approve") {
		t.Error("agent should not work an unassigned task")
	}
}

func TestMemoryStoreSlidingExpiry(t *testing.T) {
	store := NewMemoryStore(30*time.Minute, quiet())
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	sess := &Session{Handle: "h-1", Principal: "alice", Scopes: []Scope{ScopeOperator}}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Each resolve inside the window pushes the expiry forward.
	now = now.Add(25 * time.Minute)
	if _, err := store.Get(ctx, "h-1"); err != nil {
		t.Fatalf("Get at 25m: %v", err)
	}
	now = now.Add(25 * time.Minute)
	if _, err := store.Get(ctx, "h-1"); err != nil {
		t.Fatalf("Get at 50m after use: %v", err)
	}

	// A full idle window with no use ends the session.
	now = now.Add(31 * time.Minute)
	if _, err := store.Get(ctx, "h-1"); err != ErrUnknownHandle {
		t.Fatalf("Get after idle window: err = %v, want ErrUnknownHandle", err)
	}

	if n := store.Count(); n != 0 {
		t.Fatalf("Count after expiry = %d, want 0", n)
	}
}

func TestManagerRejectsBadAccounts(t *testing.T) {
	if _, err := NewAccount("eve", "pw", []string{"superuser"}, nil); err == nil {
		t.Error("expected error for unknown scope")
	}
	if _, err := NewAccount("eve", "pw", nil, nil); err == nil {
		t.Error("expected error for empty scope list")
	}

	store := NewMemoryStore(time.Hour, quiet())
	defer store.Close()

	a := Account{Principal: "alice", Password: "pw", Scopes: []Scope{ScopeAdmin}}
	if _, err := NewManager([]Account{a, a}, store, quiet()); err == nil {
		t.Error("expected error for duplicate principal")
	}
	if _, err := NewManager([]Account{{Password: "pw"}}, store, quiet()); err == nil {
		t.Error("expected error for empty principal")
	}
}
