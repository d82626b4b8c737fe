package statefile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikicat/sync-menu/internal/syncapp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Status
		wantErr bool
	}{
		{name: "empty", in: "", want: Status{}},
		{name: "state only", in: "state: syncing\n", want: Status{State: syncapp.StateSyncing}},
		{name: "active alias", in: "state: active\n", want: Status{State: syncapp.StateSyncing}},
		{
			name: "full",
			in:   "state: error\npaused: true\nmenu_path: /com/canonical/dbusmenu/mail\n",
			want: Status{State: syncapp.StateError, Paused: true, MenuPath: "/com/canonical/dbusmenu/mail"},
		},
		{name: "unknown state", in: "state: sleeping\n", wantErr: true},
		{name: "relative menu path", in: "menu_path: menu\n", wantErr: true},
		{name: "not yaml", in: "{{{", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load = %v, want ErrNotExist", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	want := Status{State: syncapp.StateError, Paused: true}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

// replace swaps in new content with a rename, so the watcher never reads a
// truncated file.
func replace(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string) <-chan Status {
	t.Helper()
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ch := make(chan Status, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(st Status) { ch <- st }) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	})
	return ch
}

func next(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status")
		return Status{}
	}
}

func quiet(t *testing.T, ch <-chan Status) {
	t.Helper()
	select {
	case st := <-ch:
		t.Fatalf("unexpected status %+v", st)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherFollowsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	os.WriteFile(path, []byte("state: syncing\n"), 0o644)

	ch := startWatcher(t, path)
	if st := next(t, ch); st.State != syncapp.StateSyncing {
		t.Fatalf("initial = %+v", st)
	}

	if err := Save(path, Status{State: syncapp.StateError}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if st := next(t, ch); st.State != syncapp.StateError {
		t.Fatalf("after save = %+v", st)
	}

	// Same bytes again: nothing to report.
	if err := Save(path, Status{State: syncapp.StateError}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	quiet(t, ch)
}

func TestWatcherSkipsInvalidAndUnrelated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")

	ch := startWatcher(t, path)
	quiet(t, ch)

	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("state: error\n"), 0o644)
	quiet(t, ch)

	replace(t, path, "state: bogus\n")
	quiet(t, ch)

	replace(t, path, "state: idle\npaused: true\n")
	if st := next(t, ch); st != (Status{Paused: true}) {
		t.Fatalf("status = %+v", st)
	}

	os.Remove(path)
	quiet(t, ch)
}
