package engine

import (
	"io"
	"os"
	"strings"
	"sync"
)

// memoryMarkers are stderr fragments left behind when an allocation failed
// under an address space ceiling.
var memoryMarkers = []string{
	"std::bad_alloc",
	"Cannot allocate memory",
	"out of memory",
}

func memoryExhausted(stderr string) bool {
	for _, marker := range memoryMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// readLimitedFile returns at most limit bytes of path and whether the file was
// longer. limit <= 0 reads everything.
func readLimitedFile(path string, limit int64) (string, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	defer file.Close()

	if limit <= 0 {
		data, err := io.ReadAll(file)
		return string(data), false, err
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) > limit {
		return string(data[:limit]), true, nil
	}
	return string(data), false, nil
}

// limitWriter copies at most limit+1 bytes of a stream into file and calls
// exceeded once the extra byte has been written. Later writes are discarded
// so the program sees no error before it is killed.
type limitWriter struct {
	file      *os.File
	remaining int64
	once      sync.Once
	exceeded  func()
}

func newLimitWriter(file *os.File, limit int64, exceeded func()) *limitWriter {
	return &limitWriter{file: file, remaining: limit + 1, exceeded: exceeded}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.remaining > 0 {
		chunk := p
		if int64(len(chunk)) > w.remaining {
			chunk = chunk[:w.remaining]
		}
		n, err := w.file.Write(chunk)
		w.remaining -= int64(n)
		if err != nil {
			return n, err
		}
	}
	if w.remaining == 0 {
		w.once.Do(w.exceeded)
	}
	return len(p), nil
}
