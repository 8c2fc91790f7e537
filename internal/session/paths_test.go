package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/farmchat/internal/lock"
)

func TestDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".farmchat", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	if got := ConfigPath(); got != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
	if got := CacheDBPath("work"); got != filepath.Join(base, "sessions", "work", "cache.db") {
		t.Errorf("CacheDBPath(work) = %q", got)
	}
}

func TestFilePaths(t *testing.T) {
	tests := []struct {
		got, suffix string
	}{
		{SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{LogPath("test"), filepath.Join("sessions", "test", "logs", "chatd.log")},
		{EnvPath(), ".env"},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end in %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v, want dir 0700", d, info.Mode())
		}
	}
}

func TestList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	got, err := List()
	if err != nil || len(got) != 0 {
		t.Fatalf("List() on empty home = %v, %v", got, err)
	}

	for _, name := range []string{"work", "main", "Bad Name"} {
		if err := os.MkdirAll(Dir(name), 0700); err != nil {
			t.Fatal(err)
		}
	}
	lk, err := lock.Acquire(Dir("work"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	got, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "main" || got[1].Name != "work" {
		t.Fatalf("List() = %+v", got)
	}
	if got[0].Running || !got[1].Running || got[1].PID != os.Getpid() {
		t.Errorf("running flags = %+v", got)
	}
}
