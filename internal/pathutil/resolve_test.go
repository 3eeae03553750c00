package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/keys/id_ed25519", filepath.Join(home, "keys", "id_ed25519")},
		{"~other/x", "~other/x"},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveAbsolutePathMissingTail(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := ResolveAbsolutePath(filepath.Join(base, "not", "yet"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(base, "not", "yet"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveAbsolutePathFollowsSymlink(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	real := filepath.Join(base, "real")
	if err := os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := ResolveAbsolutePath(filepath.Join(link, "sub"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(real, "sub"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveAbsolutePathEmpty(t *testing.T) {
	wd, _ := os.Getwd()
	got, err := ResolveAbsolutePath("")
	if err != nil || got != wd {
		t.Errorf("got %q, %v; want %q", got, err, wd)
	}
}
