package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	appErr "phcode/pkg/errors"
)

func TestAcquireCreatesEmptyDirectory(t *testing.T) {
	m := NewManager(t.TempDir())
	ws, err := m.Acquire(context.Background(), "job-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(context.Background(), ws)

	entries, err := os.ReadDir(ws.Root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not empty: %v", entries)
	}
	if filepath.Dir(ws.SourcePath) != ws.Root || filepath.Base(ws.SourcePath) != "source.cpp" {
		t.Fatalf("source path = %s", ws.SourcePath)
	}
	if filepath.Dir(ws.ExecutablePath) != ws.Root {
		t.Fatalf("executable path = %s", ws.ExecutablePath)
	}
}

func TestAcquireIsUniqueUnderConcurrency(t *testing.T) {
	m := NewManager(t.TempDir())
	const n = 32

	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		wg    sync.WaitGroup
		errCh = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Same job id on purpose: directories must still differ.
			ws, err := m.Acquire(context.Background(), "dup")
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			if seen[ws.Root] {
				errCh <- errors.New("duplicate workspace " + ws.Root)
			}
			seen[ws.Root] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if len(seen) != n {
		t.Fatalf("got %d workspaces, want %d", len(seen), n)
	}
}

func TestReleaseRemovesDirectoryAndIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())
	ws, err := m.Acquire(context.Background(), "job-b")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := os.WriteFile(ws.SourcePath, []byte("int main(){}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Root, "nested", "dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m.Release(context.Background(), ws)
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Fatalf("workspace still exists: %v", err)
	}
	m.Release(context.Background(), ws)
	m.Release(context.Background(), nil)
}

func TestAcquireValidatesInput(t *testing.T) {
	m := NewManager(t.TempDir())
	if _, err := m.Acquire(context.Background(), ""); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, "job"); !appErr.Is(err, appErr.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	entries, _ := os.ReadDir(m.BaseDir())
	if len(entries) != 0 {
		t.Fatalf("canceled acquire left %d entries", len(entries))
	}
}

func TestWithReleasesOnErrorAndPanic(t *testing.T) {
	m := NewManager(t.TempDir())
	var root string

	wantErr := errors.New("compile failed")
	err := m.With(context.Background(), "job-c", func(ws *Workspace) error {
		root = ws.Root
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatal("workspace kept after error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = m.With(context.Background(), "job-d", func(ws *Workspace) error {
			root = ws.Root
			panic("boom")
		})
	}()
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatal("workspace kept after panic")
	}
}
