package indicator

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
	"github.com/nikicat/sync-menu/internal/menu"
	"github.com/nikicat/sync-menu/internal/syncapp"
	"github.com/nikicat/sync-menu/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newMonitor(t *testing.T, addr string) *Monitor {
	t.Helper()
	m, err := NewMonitor(testutil.Connect(t, addr))
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func newApp(t *testing.T, addr, id string) *syncapp.App {
	t.Helper()
	a, err := syncapp.New(id, syncapp.WithBusAddress(addr), syncapp.WithWatchFlags(0))
	if err != nil {
		t.Fatalf("syncapp.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return a
}

func sourceFor(m *Monitor, desktopID string) (Source, bool) {
	for _, src := range m.Sources() {
		if src.DesktopID == desktopID {
			return src, true
		}
	}
	return Source{}, false
}

func TestMonitor_DiscoversRunningSource(t *testing.T) {
	addr := testutil.StartBus(t)

	a := newApp(t, addr, "files.desktop")
	a.SetState(syncapp.StateSyncing)
	a.SetMenu(menu.NewStatic("/com/example/files/menu"))

	m := newMonitor(t, addr)

	var src Source
	testutil.Eventually(t, 2*time.Second, func() bool {
		var ok bool
		src, ok = sourceFor(m, "files.desktop")
		return ok
	}, "source not discovered")

	if src.Path != a.ObjectPath() {
		t.Errorf("Path = %q, want %q", src.Path, a.ObjectPath())
	}
	if src.State != syncapp.StateSyncing {
		t.Errorf("State = %v, want syncing", src.State)
	}
	if src.MenuPath != "/com/example/files/menu" {
		t.Errorf("MenuPath = %q", src.MenuPath)
	}
	if src.ID != SourceID(src.Owner, src.Path) {
		t.Errorf("ID = %q", src.ID)
	}
	// The source lives in this process.
	if src.PID != uint32(os.Getpid()) || src.Process == "" {
		t.Errorf("Process = %q, PID = %d, want this process (%d)", src.Process, src.PID, os.Getpid())
	}
}

func TestMonitor_FollowsChangesAndRemoval(t *testing.T) {
	addr := testutil.StartBus(t)
	m := newMonitor(t, addr)
	r := &recorder{}
	m.Subscribe(r)

	a := newApp(t, addr, "mail.desktop")
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, ok := sourceFor(m, "mail.desktop")
		return ok
	}, "source not discovered")

	a.SetState(syncapp.StateError)
	testutil.Eventually(t, 2*time.Second, func() bool {
		src, _ := sourceFor(m, "mail.desktop")
		return src.State == syncapp.StateError
	}, "state change not seen")

	a.Close()
	testutil.Eventually(t, 2*time.Second, func() bool {
		got := r.types()
		return len(got) > 0 && got[len(got)-1] == EventSourceRemoved
	}, "no removal event after the owner left")

	if _, ok := sourceFor(m, "mail.desktop"); ok {
		t.Error("source still listed after removal")
	}
	got := r.types()
	if len(got) < 3 || got[0] != EventSourceAdded {
		t.Errorf("events = %v, want added, updated..., removed", got)
	}
	h := m.History()
	if len(h) != len(got) {
		t.Fatalf("history has %d entries, want %d", len(h), len(got))
	}
	if h[0].Type != EventSourceRemoved {
		t.Errorf("newest history entry = %v, want source_removed", h[0].Type)
	}
}

func TestMonitor_SetPaused(t *testing.T) {
	addr := testutil.StartBus(t)
	m := newMonitor(t, addr)
	a := newApp(t, addr, "notes.desktop")

	var src Source
	testutil.Eventually(t, 2*time.Second, func() bool {
		var ok bool
		src, ok = sourceFor(m, "notes.desktop")
		return ok
	}, "source not discovered")

	if err := m.SetPaused(context.Background(), src.ID, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	testutil.Eventually(t, 2*time.Second, a.Paused, "app not paused")
	testutil.Eventually(t, 2*time.Second, func() bool {
		s, _ := m.Source(src.ID)
		return s.Paused
	}, "monitor did not see Paused change")

	if err := m.SetPaused(context.Background(), "nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPaused(unknown) = %v, want ErrNotFound", err)
	}
}

func TestMonitor_NameTaken(t *testing.T) {
	addr := testutil.StartBus(t)
	testutil.Own(t, addr, dbustypes.IndicatorBusName)

	_, err := NewMonitor(testutil.Connect(t, addr))
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("NewMonitor = %v, want ErrNameTaken", err)
	}
}

func TestMonitor_IgnoresForeignProperties(t *testing.T) {
	addr := testutil.StartBus(t)
	m := newMonitor(t, addr)

	other := testutil.Connect(t, addr)
	err := other.Emit("/com/example/thing", propertiesChanged,
		"com.example.Other", map[string]dbus.Variant{"State": dbus.MakeVariant(uint32(2))}, []string{})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := len(m.Sources()); n != 0 {
		t.Errorf("Sources() has %d entries, want 0", n)
	}
}

func TestApplyProperties(t *testing.T) {
	src := &Source{}
	applyProperties(src, map[string]dbus.Variant{
		dbustypes.PropState:    dbus.MakeVariant(uint32(1)),
		dbustypes.PropPaused:   dbus.MakeVariant(true),
		dbustypes.PropMenuPath: dbus.MakeVariant(dbus.ObjectPath("/m")),
		dbustypes.PropDesktop:  dbus.MakeVariant("x.desktop"),
		"Unknown":              dbus.MakeVariant(42),
	})
	want := Source{State: syncapp.StateSyncing, Paused: true, MenuPath: "/m", DesktopID: "x.desktop"}
	if *src != want {
		t.Errorf("applyProperties = %+v, want %+v", *src, want)
	}

	applyProperties(src, map[string]dbus.Variant{dbustypes.PropState: dbus.MakeVariant("bad")})
	if src.State != syncapp.StateSyncing {
		t.Errorf("State changed by a mistyped value: %v", src.State)
	}
}
