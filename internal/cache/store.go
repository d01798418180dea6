package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘 blob 的读写。磁盘布局遵循：
//
//	<StoragePath>/files/<name[0:2]>/<name>            # 正文
//	<StoragePath>/files/<name[0:2]>/<name>__Header    # 头部 JSON
//
// name 由上层按资源标识派生，Store 本身不关心其含义。
type Store interface {
	// SaveIfAbsent 仅在文件不存在时写入；已存在时返回 AlreadyExists 且不覆盖。
	SaveIfAbsent(ctx context.Context, name string, body io.Reader) (SaveResult, error)

	// Replace 通过临时文件 + rename 原子替换已有内容，用于上游版本更新。
	Replace(ctx context.Context, name string, body io.Reader) error

	// Open 返回可流式读取的 blob。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, name string) (*ReadResult, error)

	// Read 一次性读取 blob 内容。
	Read(ctx context.Context, name string) ([]byte, error)

	// Remove 删除 blob，不存在时不报错。
	Remove(ctx context.Context, name string) error

	// Walk 遍历已落盘的 blob（包含遗留的临时文件），供孤儿清理使用。
	Walk(ctx context.Context, fn func(Entry) error) error

	// RemoveTemp 删除 Walk 报告的遗留临时文件（崩溃的写入者留下）。
	RemoveTemp(ctx context.Context, entry Entry) error
}

// SaveResult 描述 SaveIfAbsent 的结果，两种取值都表示成功。
type SaveResult int

const (
	Created SaveResult = iota + 1
	AlreadyExists
)

func (r SaveResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Entry 表示一个已落盘的 blob。
type Entry struct {
	Name      string    `json:"name"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Temporary bool      `json:"temporary"`
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示 blob 不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示文件名为空或包含路径分隔符。
	ErrInvalidName = errors.New("invalid cache file name")
)
