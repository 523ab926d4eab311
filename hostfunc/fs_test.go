package hostfunc

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestFSReadOnly(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello world"), 0644)

	fs := NewFS([]Mount{{
		VirtualPath: "/data",
		HostPath:    dir,
		Mode:        MountReadOnly,
	}})

	content, err := fs.Read("/data/test.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != "hello world" {
		t.Errorf("expected 'hello world', got %q", content)
	}

	err = fs.Write("/data/test.txt", []byte("modified"))
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected permission error on read-only mount, got %v", err)
	}
}

func TestFSReadWrite(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("original"), 0644)

	fs := NewFS([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: MountReadWrite}})

	if err := fs.Write("/data/test.txt", []byte("modified")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(dir, "test.txt"))
	if string(content) != "modified" {
		t.Errorf("expected 'modified', got %q", content)
	}

	// Existing files only.
	err := fs.Write("/data/new.txt", []byte("x"))
	if !errors.Is(err, ErrPermission) {
		t.Errorf("expected create to be refused, got %v", err)
	}
}

func TestFSReadWriteCreate(t *testing.T) {
	dir := t.TempDir()
	fs := NewFS([]Mount{{VirtualPath: "/out/", HostPath: dir, Mode: MountReadWriteCreate}})

	if err := fs.Write("/out/new.txt", []byte("created")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	content, err := fs.Read("out/new.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != "created" {
		t.Errorf("expected 'created', got %q", content)
	}
}

func TestFSPathTraversalBlocked(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "mount")
	os.Mkdir(dir, 0755)
	os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0644)

	fs := NewFS([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: MountReadOnly}})

	paths := []string{
		"/data/../secret.txt",
		"/data/../../etc/passwd",
		"/data/./../secret.txt",
	}
	for _, p := range paths {
		if _, err := fs.Read(p); !errors.Is(err, ErrPermission) {
			t.Errorf("Read(%q): expected permission error, got %v", p, err)
		}
	}
}

func TestFSPathNotInMount(t *testing.T) {
	fs := NewFS([]Mount{{VirtualPath: "/data", HostPath: t.TempDir(), Mode: MountReadOnly}})

	for _, p := range []string{"/other/file.txt", "/database/x", "/"} {
		if _, err := fs.Read(p); !errors.Is(err, ErrPermission) {
			t.Errorf("Read(%q): expected permission error, got %v", p, err)
		}
	}
}

func TestFSReadMissing(t *testing.T) {
	fs := NewFS([]Mount{{VirtualPath: "/data", HostPath: t.TempDir(), Mode: MountReadOnly}})

	if _, err := fs.Read("/data/nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSExists(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "exists.txt"), []byte("x"), 0644)

	fs := NewFS([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: MountReadOnly}})

	if !fs.Exists("/data/exists.txt") {
		t.Error("expected exists.txt to exist")
	}
	if fs.Exists("/data/missing.txt") {
		t.Error("expected missing.txt to not exist")
	}
	if fs.Exists("/elsewhere/exists.txt") {
		t.Error("expected unmounted path to not exist")
	}
}

func TestFSSizeLimits(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "small.txt"), []byte("1234"), 0644)
	os.WriteFile(filepath.Join(dir, "big.txt"), []byte("0123456789"), 0644)

	fs := NewFS(
		[]Mount{{VirtualPath: "/data", HostPath: dir, Mode: MountReadWriteCreate}},
		WithMaxFileSize(8),
		WithMaxWriteSize(4),
	)

	if _, err := fs.Read("/data/small.txt"); err != nil {
		t.Fatalf("read under limit failed: %v", err)
	}
	if _, err := fs.Read("/data/big.txt"); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge on read, got %v", err)
	}
	if err := fs.Write("/data/out.txt", []byte("12345")); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge on write, got %v", err)
	}
	if err := fs.Write("/data/out.txt", []byte("1234")); err != nil {
		t.Errorf("write at limit failed: %v", err)
	}
}

func TestFSDefaultLimits(t *testing.T) {
	fs := NewFS(nil)
	if fs.maxFileSize != DefaultMaxFileSize || fs.maxWriteSize != DefaultMaxWriteSize {
		t.Errorf("unexpected defaults: file %d, write %d", fs.maxFileSize, fs.maxWriteSize)
	}

	// Reads never exceed what an i32 length can report.
	fs = NewFS(nil, WithMaxFileSize(1<<40))
	if fs.maxFileSize != math.MaxInt32 {
		t.Errorf("expected read limit clamped to MaxInt32, got %d", fs.maxFileSize)
	}
}
