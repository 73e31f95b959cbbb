package egress_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mirrorpx/mirrorpx/egress"
)

func writeProxyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadFile_SkipsBlanksAndComments(t *testing.T) {
	path := writeProxyFile(t, `
# fleet A
http://proxy1:3128

http://proxy2:3128
# trailing comment
`)
	r, err := egress.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if r.Count() != 2 {
		t.Errorf("Count: got %d, want 2", r.Count())
	}
}

func TestLoadFile_Empty(t *testing.T) {
	r, err := egress.LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile(\"\"): %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count: got %d, want 0", r.Count())
	}
	if r.Next() != nil {
		t.Error("Next on an empty rotator should be nil")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := egress.LoadFile("/nonexistent/proxies.txt"); err == nil {
		t.Error("missing file should error")
	}
}

func TestNext_RoundRobin(t *testing.T) {
	path := writeProxyFile(t, "http://a:1\nhttp://b:2\n")
	r, err := egress.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := []string{"http://a:1", "http://b:2", "http://a:1", "http://b:2"}
	for i, w := range want {
		got := r.Next()
		if got == nil || got.String() != w {
			t.Errorf("Next %d: got %v, want %s", i, got, w)
		}
	}
}
