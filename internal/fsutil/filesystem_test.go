package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "navigation.log")
	if err := os.WriteFile(path, []byte("nav"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var fsys FileSystem = OSFileSystem{}
	if !fsys.Exists(path) {
		t.Errorf("Exists(%s) = false", path)
	}
	if fsys.Exists(filepath.Join(dir, "absent.log")) {
		t.Errorf("Exists(absent) = true")
	}
	f, err := fsys.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "nav" {
		t.Errorf("read %q", data)
	}
}

func TestMemoryFileSystem(t *testing.T) {
	m := NewMemoryFileSystem()
	m.WriteFile("/logs/lrauv.csv", []byte("1,2,3\n"))
	m.Deny("/logs/dvlSim.log")

	f, err := m.Open("/logs/lrauv.csv")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(f)
	if string(data) != "1,2,3\n" {
		t.Errorf("read %q", data)
	}
	info, _ := f.Stat()
	if info.Size() != 6 || info.Name() != "lrauv.csv" {
		t.Errorf("Stat = %s %d", info.Name(), info.Size())
	}

	if _, err := m.Open("/logs/missing.log"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open(missing) = %v, want ErrNotExist", err)
	}
	if _, err := m.Open("/logs/dvlSim.log"); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("Open(denied) = %v, want ErrPermission", err)
	}
	if !m.Exists("/logs/dvlSim.log") {
		t.Errorf("denied file should still exist")
	}
}
