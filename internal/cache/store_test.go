package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const sampleName = "a4057a2ae09a85e1f0716a272563975f2e9faa9ec7faa60024941a46bc323d2e"

func TestSaveIfAbsentIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res, err := store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("first")))
	if err != nil {
		t.Fatalf("save error: %v", err)
	}
	if res != Created {
		t.Fatalf("expected Created, got %s", res)
	}

	res, err = store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("second")))
	if err != nil {
		t.Fatalf("second save error: %v", err)
	}
	if res != AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %s", res)
	}

	data, err := store.Read(ctx, sampleName)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != "first" {
		t.Fatalf("second write must not overwrite: %s", data)
	}
}

func TestSaveIfAbsentConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("payload")))
			if err != nil {
				t.Errorf("save error: %v", err)
				return
			}
			if res == Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("exactly one writer should create the file, got %d", created)
	}
}

func TestReplaceSupersedes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("v1"))); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := store.Replace(ctx, sampleName, bytes.NewReader([]byte("v2"))); err != nil {
		t.Fatalf("replace error: %v", err)
	}
	data, err := store.Read(ctx, sampleName)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("replace should publish new content, got %s", data)
	}
}

func TestOpenStreamsEntry(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("payload")
	if _, err := store.SaveIfAbsent(context.Background(), sampleName, bytes.NewReader(payload)); err != nil {
		t.Fatalf("save error: %v", err)
	}

	result, err := store.Open(context.Background(), sampleName)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if filepath.Base(filepath.Dir(result.Entry.FilePath)) != sampleName[:2] {
		t.Fatalf("blob should be sharded by prefix: %s", result.Entry.FilePath)
	}
}

func TestOpenMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Open(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveIgnoresMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := store.Remove(ctx, sampleName); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := store.Remove(ctx, sampleName); err != nil {
		t.Fatalf("removing a missing file should not fail: %v", err)
	}
	if _, err := store.Open(ctx, sampleName); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestRejectsInvalidNames(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "..", "a/b", `a\b`, ".tmp-123"} {
		if _, err := store.SaveIfAbsent(context.Background(), name, bytes.NewReader(nil)); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q should be rejected, got %v", name, err)
		}
	}
}

func TestOpenIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	filePath, err := fs.entryPath(sampleName)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := store.Open(context.Background(), sampleName); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestWalkReportsTempFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("save error: %v", err)
	}
	fs := store.(*fileStore)
	stale := filepath.Join(fs.root, "a4", ".tmp-crashed")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write temp error: %v", err)
	}

	var names, temps []Entry
	err := store.Walk(ctx, func(e Entry) error {
		if e.Temporary {
			temps = append(temps, e)
		} else {
			names = append(names, e)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if len(names) != 1 || names[0].Name != sampleName {
		t.Fatalf("unexpected entries: %+v", names)
	}
	if len(temps) != 1 {
		t.Fatalf("expected one temp file, got %d", len(temps))
	}
	if err := store.RemoveTemp(ctx, temps[0]); err != nil {
		t.Fatalf("remove temp error: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("temp file should be gone: %v", err)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Etag", `W/"123"`)
	header.Add("Vary", "Accept-Language")
	header.Add("Vary", "Accept-Encoding")

	data, err := EncodeHeaders(header)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if _, err := store.SaveIfAbsent(ctx, sampleName+"__Header", bytes.NewReader(data)); err != nil {
		t.Fatalf("save error: %v", err)
	}
	loaded, err := LoadHeaders(ctx, store, sampleName+"__Header")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded.Get("Etag") != `W/"123"` || len(loaded.Values("Vary")) != 2 {
		t.Fatalf("headers mismatch: %v", loaded)
	}
}

func TestSaveHonorsCancellation(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if _, err := store.SaveIfAbsent(ctx, sampleName, bytes.NewReader([]byte("data"))); err == nil {
		t.Fatalf("cancelled context should abort the write")
	}
	if _, err := store.Open(context.Background(), sampleName); !errors.Is(err, ErrNotFound) {
		t.Fatalf("aborted write must not publish a file, got %v", err)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
