package blob

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiskStorePutRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, "https://host/files")
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	locator, err := store.Put(strings.NewReader("image bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(locator, "https://host/files/") {
		t.Fatalf("locator = %q", locator)
	}

	name := locator[strings.LastIndex(locator, "/")+1:]
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("stored file unreadable: %v", err)
	}
	if string(data) != "image bytes" {
		t.Fatalf("stored bytes = %q", data)
	}
}

func TestDiskStorePutGeneratesDistinctNames(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), "https://host/files")
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	a, _ := store.Put(strings.NewReader("one"))
	b, _ := store.Put(strings.NewReader("two"))
	if a == b {
		t.Fatalf("two uploads shared a locator: %q", a)
	}
}

func TestNewDiskStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "blobs")
	if _, err := NewDiskStore(dir, "https://host/files"); err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("blob directory missing: %v", err)
	}
}
