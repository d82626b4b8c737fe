package syncpath

import (
	"errors"
	"strings"
	"testing"

	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
)

func TestDerive(t *testing.T) {
	root := dbustypes.SourcePathRoot + "/"
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"desktop suffix", "foo.desktop", root + "foo"},
		{"bare id", "transmission", root + "transmission"},
		{"spaces and punctuation", "Foo Bar!.desktop", root + "Foo_Bar_"},
		{"full filename", "/usr/share/applications/transmission-gtk.desktop", root + "transmission_gtk"},
		{"reverse dns", "org.gnome.Evolution.desktop", root + "org_gnome_Evolution"},
		{"suffix stripped once", "a.desktop.desktop", root + "a_desktop"},
		{"underscores kept", "my_app_2", root + "my_app_2"},
		{"non ascii", "grüße.desktop", root + "gr____e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Derive(tt.id)
			if err != nil {
				t.Fatalf("Derive(%q) error: %v", tt.id, err)
			}
			if string(got) != tt.want {
				t.Errorf("Derive(%q) = %q, want %q", tt.id, got, tt.want)
			}
			if !got.IsValid() {
				t.Errorf("Derive(%q) = %q is not a valid object path", tt.id, got)
			}
		})
	}
}

func TestDerive_Invalid(t *testing.T) {
	for _, id := range []string{"", ".desktop", "/usr/share/applications/.desktop"} {
		t.Run(id, func(t *testing.T) {
			got, err := Derive(id)
			if !errors.Is(err, ErrInvalidIdentifier) {
				t.Fatalf("Derive(%q) = %q, %v; want ErrInvalidIdentifier", id, got, err)
			}
			if got != "" {
				t.Errorf("Derive(%q) returned path %q alongside error", id, got)
			}
		})
	}
}

func TestDerive_Deterministic(t *testing.T) {
	a, errA := Derive("Foo Bar!.desktop")
	b, errB := Derive("Foo Bar!.desktop")
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v, %v", errA, errB)
	}
	if a != b {
		t.Errorf("Derive not deterministic: %q != %q", a, b)
	}
}

func TestSanitize_FixedPoint(t *testing.T) {
	inputs := []string{
		"foo.desktop",
		"Foo Bar!.desktop",
		"/opt/x/y z.desktop",
		"ÄÖÜ",
		"a-b-c",
		"already_clean",
		"..",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not a fixed point for %q: %q then %q", in, once, twice)
		}
	}
}

func TestSanitize_AlphanumericUnchanged(t *testing.T) {
	for _, id := range []string{"abc", "ABC123", "x9"} {
		if got := Sanitize(id); got != id {
			t.Errorf("Sanitize(%q) = %q, want unchanged", id, got)
		}
		if got := Sanitize(id + DesktopSuffix); got != id {
			t.Errorf("Sanitize(%q) = %q, want %q", id+DesktopSuffix, got, id)
		}
	}
}

func TestSanitize_ReplacesDisallowedBytes(t *testing.T) {
	in := "a+b=c@d#e"
	got := Sanitize(in)
	if len(got) != len(in) {
		t.Fatalf("Sanitize(%q) = %q, length changed", in, got)
	}
	for i := range in {
		if isPathByte(in[i]) {
			if got[i] != in[i] {
				t.Errorf("byte %d: got %q, want %q", i, got[i], in[i])
			}
		} else if got[i] != '_' {
			t.Errorf("byte %d: got %q, want '_'", i, got[i])
		}
	}
	if strings.ContainsAny(got, "+=@#") {
		t.Errorf("Sanitize(%q) = %q still contains disallowed bytes", in, got)
	}
}
