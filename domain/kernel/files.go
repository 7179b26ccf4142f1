package kernel

import (
	"io"
	"sync"
)

// File is the capability behind a process file handle. Every method
// returns a byte count or position, or -1.
type File interface {
	Seek(offset int32) int32
	Read(buf []byte) int32
	Write(buf []byte) int32
}

// FileSystem opens files by path. It returns nil when path does not exist.
type FileSystem interface {
	Open(path string) File
}

// NullFile refuses everything. It backs stdin and unused handles.
type NullFile struct{}

func (NullFile) Seek(int32) int32   { return -1 }
func (NullFile) Read([]byte) int32  { return -1 }
func (NullFile) Write([]byte) int32 { return -1 }

// WriterFile is a write-only file over an io.Writer, used for the kernel
// console.
type WriterFile struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterFile(w io.Writer) *WriterFile {
	return &WriterFile{w: w}
}

func (f *WriterFile) Seek(int32) int32  { return -1 }
func (f *WriterFile) Read([]byte) int32 { return -1 }

func (f *WriterFile) Write(buf []byte) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.w.Write(buf)
	if err != nil && n == 0 {
		return -1
	}
	return int32(n)
}

// MemFile is an in-memory file with a cursor. Filesystem collaborators
// use it for read-only images.
type MemFile struct {
	mu   sync.Mutex
	data []byte
	pos  int
}

func NewMemFile(data []byte) *MemFile {
	return &MemFile{data: data}
}

func (f *MemFile) Seek(offset int32) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 || int(offset) > len(f.data) {
		return -1
	}
	f.pos = int(offset)
	return offset
}

func (f *MemFile) Read(buf []byte) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(buf, f.data[f.pos:])
	f.pos += n
	return int32(n)
}

func (f *MemFile) Write(buf []byte) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if end := f.pos + len(buf); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	n := copy(f.data[f.pos:], buf)
	f.pos += n
	return int32(n)
}

// MapFS is a FileSystem over a fixed set of in-memory files.
type MapFS map[string][]byte

func (fs MapFS) Open(path string) File {
	data, ok := fs[path]
	if !ok {
		return nil
	}
	return NewMemFile(append([]byte(nil), data...))
}
