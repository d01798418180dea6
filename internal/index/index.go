// Package index is the relational catalogue of cached groups and items. It
// records which logical resources (item key + variant) belong to which
// document group and whether their blobs have been confirmed on disk. The
// blobs themselves live in package cache.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/any-hub/article-cache/internal/keys"
)

// ErrGroupNotFound 表示按 key 查找的分组不存在。
var ErrGroupNotFound = errors.New("cache group not found")

// CreateMode 控制 CreateItem 遇到已存在条目时的行为。
type CreateMode int

const (
	// FetchOrCreate 命中已有条目时返回它并刷新 url/updated_at。
	FetchOrCreate CreateMode = iota
	// CreateOnly 命中已有条目时返回 cacheerr.ErrDuplicateItem。
	CreateOnly
)

// Group 是一个逻辑文档（通常是一篇文章）及其全部资源的分组。
type Group struct {
	ID        int64
	Key       string
	CreatedAt time.Time
}

// Item 是某个分组内的一条资源记录。
type Item struct {
	ID        int64
	GroupID   int64
	ItemKey   string
	Variant   string
	URL       string
	Persisted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity 返回条目对应的磁盘文件标识。
func (i Item) Identity() keys.Identity {
	return keys.ForItem(i.ItemKey, i.Variant)
}

// ItemSpec 是创建条目所需的最小信息。
type ItemSpec struct {
	URL     string
	ItemKey string
	Variant string
}

// GroupSummary 用于诊断接口展示分组概况。
type GroupSummary struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Items     int       `json:"items"`
	Persisted int       `json:"persisted"`
}

// Index 定义缓存索引的全部操作。所有数据库错误都以 cacheerr.StorageError 返回。
type Index interface {
	CreateOrFetchGroup(ctx context.Context, groupKey string) (Group, error)
	CreateItem(ctx context.Context, group Group, spec ItemSpec, mode CreateMode) (Item, error)
	AddItem(ctx context.Context, group Group, item Item) (Item, error)
	Record(ctx context.Context, groupKey string, spec ItemSpec) (Group, Item, error)

	LookupItem(ctx context.Context, itemKey, variant string) (*Item, error)
	FindBestVariant(ctx context.Context, itemKey string, preferred []string) (*Item, error)
	CachedVariants(ctx context.Context, itemKey string) ([]string, error)
	MarkPersisted(ctx context.Context, item Item) error

	DeleteItem(ctx context.Context, item Item) (bool, error)
	DeleteGroup(ctx context.Context, groupKey string) ([]keys.Identity, error)

	Group(ctx context.Context, groupKey string) (*Group, error)
	Groups(ctx context.Context) ([]GroupSummary, error)
	GroupItems(ctx context.Context, groupKey string) ([]Item, error)
	ReferencedIdentities(ctx context.Context) ([]keys.Identity, error)

	Close() error
}
