// Package cacheerr defines the error taxonomy shared by the cache index,
// file store, fetch engine and HTTP surface.
package cacheerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL 表示 URL 无法解析或不是绝对地址。
	ErrInvalidURL = errors.New("invalid url")
	// ErrCacheMiss 表示上游返回 304 但本地没有可用副本。
	ErrCacheMiss = errors.New("cache miss")
	// ErrDuplicateItem 表示非幂等创建撞上了已存在的 (group, key, variant)。
	ErrDuplicateItem = errors.New("duplicate cache item")
)

// StorageError 包装磁盘或数据库 I/O 失败。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage 构造 StorageError；err 为 nil 时返回 nil。
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StorageError
	if errors.As(err, &existing) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NetworkError 表示网络失败且没有任何缓存兜底。Status 为 0 代表传输层错误。
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("network %s: upstream status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("network %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsStorage 判断错误链中是否包含 StorageError。
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// IsNetwork 判断错误链中是否包含 NetworkError。
func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}
