package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/nikicat/sync-menu/internal/testutil"
)

const peerName = "com.example.SyncPeer"

type recorder struct {
	mu      sync.Mutex
	events  []string
	appears int
}

func (r *recorder) appear(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appears++
	r.events = append(r.events, "appear")
}

func (r *recorder) vanish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "vanish")
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestWatcher_AppearVanishReappear(t *testing.T) {
	addr := testutil.StartBus(t)
	conn := testutil.Connect(t, addr)

	rec := &recorder{}
	w, err := Watch(conn, peerName, WatchAutoStart, rec.appear, rec.vanish)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	// Nothing owns the name yet.
	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("events before peer started: %v", got)
	}

	peer := testutil.Own(t, addr, peerName)
	testutil.Eventually(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 },
		"appear not reported")

	peer.Close()
	testutil.Eventually(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 2 },
		"vanish not reported")

	testutil.Own(t, addr, peerName)
	testutil.Eventually(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 3 },
		"second appear not reported")

	// Give stray duplicates a chance to show up.
	time.Sleep(100 * time.Millisecond)
	want := []string{"appear", "vanish", "appear"}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWatcher_ExistingOwnerReported(t *testing.T) {
	addr := testutil.StartBus(t)
	testutil.Own(t, addr, peerName)
	conn := testutil.Connect(t, addr)

	rec := &recorder{}
	w, err := Watch(conn, peerName, 0, rec.appear, rec.vanish)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	testutil.Eventually(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 },
		"existing owner not reported")

	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.appears != 1 {
		t.Errorf("appears = %d, want 1", rec.appears)
	}
}

func TestWatcher_StopSilencesCallbacks(t *testing.T) {
	addr := testutil.StartBus(t)
	conn := testutil.Connect(t, addr)

	rec := &recorder{}
	w, err := Watch(conn, peerName, 0, rec.appear, rec.vanish)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	w.Stop()
	w.Stop() // idempotent

	testutil.Own(t, addr, peerName)
	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("events after Stop: %v", got)
	}
}

func TestWatcher_StopAfterConnectionClosed(t *testing.T) {
	addr := testutil.StartBus(t)
	conn := testutil.Connect(t, addr)

	w, err := Watch(conn, peerName, 0, nil, nil)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	conn.Close()

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a closed connection")
	}
}
