package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/any-hub/article-cache/internal/cacheerr"
)

const (
	filesDir   = "files"
	tempPrefix = ".tmp-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, filesDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同名写入；跨进程的互斥依赖 link 的原子性。
type fileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) SaveIfAbsent(ctx context.Context, name string, body io.Reader) (SaveResult, error) {
	filePath, err := s.entryPath(name)
	if err != nil {
		return 0, err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	if _, err := os.Lstat(filePath); err == nil {
		return AlreadyExists, nil
	}

	tempName, err := s.writeTemp(ctx, filePath, body)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tempName)

	if err := os.Link(tempName, filePath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return AlreadyExists, nil
		}
		return 0, cacheerr.Storage("link "+name, err)
	}
	return Created, nil
}

func (s *fileStore) Replace(ctx context.Context, name string, body io.Reader) error {
	filePath, err := s.entryPath(name)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	tempName, err := s.writeTemp(ctx, filePath, body)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return cacheerr.Storage("rename "+name, err)
	}
	return nil
}

func (s *fileStore) Open(ctx context.Context, name string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, cacheerr.Storage("open "+name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cacheerr.Storage("stat "+name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Name:      name,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Read(ctx context.Context, name string) ([]byte, error) {
	result, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()

	data, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, cacheerr.Storage("read "+name, err)
	}
	return data, nil
}

func (s *fileStore) Remove(ctx context.Context, name string) error {
	filePath, err := s.entryPath(name)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(name)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cacheerr.Storage("remove "+name, err)
	}
	return nil
}

func (s *fileStore) Walk(ctx context.Context, fn func(Entry) error) error {
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		return fn(Entry{
			Name:      name,
			FilePath:  p,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
			Temporary: strings.HasPrefix(name, tempPrefix),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return cacheerr.Storage("walk", err)
	}
	return err
}

func (s *fileStore) RemoveTemp(ctx context.Context, entry Entry) error {
	if !entry.Temporary || !strings.HasPrefix(entry.FilePath, s.root) {
		return ErrInvalidName
	}
	if err := os.Remove(entry.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cacheerr.Storage("remove temp", err)
	}
	return nil
}

// writeTemp 在目标目录写入并 fsync 一个临时文件，返回其路径。
func (s *fileStore) writeTemp(ctx context.Context, filePath string, body io.Reader) (string, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cacheerr.Storage("mkdir", err)
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", cacheerr.Storage("create temp", err)
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		if ctx.Err() != nil {
			return "", err
		}
		return "", cacheerr.Storage("write temp", err)
	}
	return tempName, nil
}

func (s *fileStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tempPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	prefix := name
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, prefix, name), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
