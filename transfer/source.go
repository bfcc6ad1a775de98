package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// Source is something that can be offered to a peer.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileSource offers a regular file under its base name.
type FileSource string

func (f FileSource) Name() string {
	return filepath.Base(string(f))
}

func (f FileSource) Open() (io.ReadCloser, error) {
	info, err := os.Stat(string(f))
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", string(f), err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", string(f))
	}
	file, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", string(f), err)
	}
	return file, nil
}

// Size reports the file length without opening it.
func (f FileSource) Size() (int64, error) {
	info, err := os.Stat(string(f))
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", string(f), err)
	}
	return info.Size(), nil
}

// BytesSource offers an in-memory buffer.
type BytesSource struct {
	FileName string
	Data     []byte
}

func (b BytesSource) Name() string {
	return b.FileName
}

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

func (b BytesSource) Size() (int64, error) {
	return int64(len(b.Data)), nil
}

// sizedSource is a Source that knows its length before it is read.
type sizedSource interface {
	Size() (int64, error)
}

// FreeSpaceFunc reports the bytes available to unprivileged writers at dir.
type FreeSpaceFunc func(dir string) (uint64, error)

// DiskFreeSpace reads free space from the volume holding dir.
func DiskFreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %q: %w", dir, err)
	}
	return usage.Free, nil
}
