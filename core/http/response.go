package http

import (
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is an owned read-only view of a response file. Close is
// idempotent, so the view can be released both when a newer response
// replaces it and when the connection shuts down.
type Mapping struct {
	data []byte
}

// MapFile opens path, maps size bytes read-only and closes the descriptor;
// the mapping stays valid independent of it.
func MapFile(path string, size int64) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data}, nil
}

// Data returns the mapped bytes.
func (m *Mapping) Data() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Close releases the mapping. Safe to call more than once and on nil.
func (m *Mapping) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
