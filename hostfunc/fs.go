package hostfunc

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/wasmgate/instance"
)

var (
	ErrPermission   = errors.New("permission denied")
	ErrNotFound     = errors.New("file not found")
	ErrFileTooLarge = errors.New("file too large")
)

// Default size limits. Reads are additionally capped at math.MaxInt32 since
// fs_read reports the length as an i32.
const (
	DefaultMaxFileSize  int64 = 10 * 1024 * 1024
	DefaultMaxWriteSize int64 = 10 * 1024 * 1024
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by the guest (e.g., "/data")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

// FS provides file access through explicit mount points. Guests reach it
// through fs_read and fs_write once it is in the instance's embed context.
type FS struct {
	mounts       []Mount
	maxFileSize  int64
	maxWriteSize int64
	mu           sync.RWMutex
}

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxFileSize sets the largest file Read returns.
func WithMaxFileSize(size int64) FSOption {
	return func(f *FS) {
		f.maxFileSize = size
	}
}

// WithMaxWriteSize sets the largest content Write accepts.
func WithMaxWriteSize(size int64) FSOption {
	return func(f *FS) {
		f.maxWriteSize = size
	}
}

// NewFS creates a new filesystem handler with the given mount points.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		// Virtual paths start with / and have no trailing slash.
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: vp,
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	f := &FS{
		mounts:       normalized,
		maxFileSize:  DefaultMaxFileSize,
		maxWriteSize: DefaultMaxWriteSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxFileSize <= 0 || f.maxFileSize > math.MaxInt32 {
		f.maxFileSize = math.MaxInt32
	}
	return f
}

// resolve maps a virtual path to a host path, checking permissions.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	m := f.findMount(virtualPath)
	if m == nil {
		return "", nil, fmt.Errorf("%w: %s is not in any mount", ErrPermission, virtualPath)
	}
	if needWrite && m.Mode == MountReadOnly {
		return "", nil, fmt.Errorf("%w: read-only mount", ErrPermission)
	}

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	rel := strings.TrimPrefix(vp, m.VirtualPath)
	if rel == "" {
		rel = "/"
	}

	hostPath, err := filepath.Abs(filepath.Join(m.HostPath, rel))
	if err != nil {
		return "", nil, fmt.Errorf("invalid path: %w", err)
	}
	// Still under the mount after .. elements were applied.
	if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
		return "", nil, fmt.Errorf("%w: path escape attempt", ErrPermission)
	}
	return hostPath, m, nil
}

// Read returns the contents of a file.
func (f *FS) Read(path string) ([]byte, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if info.Size() > f.maxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, path, info.Size(), f.maxFileSize)
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > f.maxFileSize {
		return nil, fmt.Errorf("%w: %s grew past %d bytes", ErrFileTooLarge, path, f.maxFileSize)
	}
	return data, nil
}

// Write replaces the contents of a file. New files need MountReadWriteCreate.
func (f *FS) Write(path string, data []byte) error {
	if f.maxWriteSize > 0 && int64(len(data)) > f.maxWriteSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(data), f.maxWriteSize)
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return fmt.Errorf("%w: cannot create new files", ErrPermission)
	}
	if err := os.WriteFile(hostPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists and is reachable through a mount.
func (f *FS) Exists(path string) bool {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return false
	}
	_, err = os.Stat(hostPath)
	return err == nil
}

// findMount finds the mount for a given virtual path.
func (f *FS) findMount(virtualPath string) *Mount {
	f.mu.RLock()
	defer f.mu.RUnlock()

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			return m
		}
	}
	return nil
}

// Filesystem host function names.
const (
	FSRead  = "fs_read"
	FSWrite = "fs_write"
)

// RegisterFS adds fs_read and fs_write. They operate on the *FS in the
// calling instance's embed context.
func RegisterFS(r *Registry) {
	r.Register(Def{
		Name:    FSRead,
		Params:  []api.ValueType{i32, i32, i32, i32},
		Results: []api.ValueType{i32},
		Fn:      fsRead,
	})
	r.Register(Def{
		Name:    FSWrite,
		Params:  []api.ValueType{i32, i32, i32, i32},
		Results: []api.ValueType{i32},
		Fn:      fsWrite,
	})
}

// fs_read(path_ptr, path_len, buf_ptr, buf_cap) -> i32: the file's length,
// or -1 on any error, including a file over the FS size limit. At most
// buf_cap bytes are copied.
func fsRead(h *instance.Handle, stack []uint64) {
	path := readString(h, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	ptr, capacity := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
	checkRange(h, ptr, capacity)

	fs := instance.GetEmbedCtx[*FS](h)
	data, err := fs.Get().Read(path)
	fs.Release()
	if err != nil {
		stack[0] = api.EncodeI32(-1)
		return
	}

	heap := h.HeapMut()
	defer heap.Release()
	copy(heap.Get()[uint64(ptr) : uint64(ptr)+uint64(capacity)], data)
	stack[0] = api.EncodeU32(uint32(len(data)))
}

// fs_write(path_ptr, path_len, data_ptr, data_len) -> i32: 0, or -1 on any
// error.
func fsWrite(h *instance.Handle, stack []uint64) {
	path := readString(h, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	data := []byte(readString(h, api.DecodeU32(stack[2]), api.DecodeU32(stack[3])))

	fs := instance.GetEmbedCtx[*FS](h)
	defer fs.Release()
	if err := fs.Get().Write(path, data); err != nil {
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = 0
}
