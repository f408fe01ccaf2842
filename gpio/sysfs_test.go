//go:build linux

package gpio

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// fakeSysfs lays out an already exported pin so OpenSysfs skips the export.
func fakeSysfs(t *testing.T, number int, value string) (base string) {
	t.Helper()
	base = t.TempDir()
	dir := filepath.Join(base, "gpio"+strconv.Itoa(number))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"value":     value,
		"direction": "out",
		"edge":      "both",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"export", "unexport"} {
		if err := os.WriteFile(filepath.Join(base, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return base
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSysfs_OpenConfiguresInput(t *testing.T) {
	base := fakeSysfs(t, 17, "1\n")
	l, err := OpenSysfs(SysfsConfig{Base: base, Number: 17})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	if got := readFile(t, filepath.Join(base, "gpio17", "direction")); got != "in" {
		t.Errorf("expected direction in, got %q", got)
	}
	if got := readFile(t, filepath.Join(base, "gpio17", "edge")); got != "none" {
		t.Errorf("expected edge none, got %q", got)
	}
	if l.Level() != 1 {
		t.Errorf("expected level 1")
	}
	if l.String() != "gpio17" {
		t.Errorf("unexpected name %q", l.String())
	}
}

func TestSysfs_LevelKeepsLastGoodValueOnBadRead(t *testing.T) {
	base := fakeSysfs(t, 22, "1\n")
	l, err := OpenSysfs(SysfsConfig{Base: base, Number: 22})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	value := filepath.Join(base, "gpio22", "value")
	if err := os.WriteFile(value, []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if l.Level() != 0 {
		t.Fatalf("expected level 0 after change")
	}

	if err := os.WriteFile(value, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if l.Level() != 0 {
		t.Fatalf("expected last good level 0 on bad read")
	}
	if l.Errors() != 1 {
		t.Fatalf("expected 1 read error, got %d", l.Errors())
	}
}

func TestSysfs_CloseUnexports(t *testing.T) {
	base := fakeSysfs(t, 27, "0\n")
	l, err := OpenSysfs(SysfsConfig{Base: base, Number: 27})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := readFile(t, filepath.Join(base, "unexport")); got != "27" {
		t.Fatalf("expected unexport of 27, got %q", got)
	}
}

func TestSysfs_LevelDoesNotWaitOnWatchLock(t *testing.T) {
	base := fakeSysfs(t, 5, "1\n")
	l, err := OpenSysfs(SysfsConfig{Base: base, Number: 5})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	// Watch holds mu across edge file writes and epoll setup.
	l.mu.Lock()
	defer l.mu.Unlock()

	got := make(chan int, 1)
	go func() { got <- l.Level() }()
	select {
	case v := <-got:
		if v != 1 {
			t.Errorf("expected level 1, got %d", v)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Level blocked while the watch lock was held")
	}
}
