package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/keys"
)

// PurgeReport 描述一次分组清理的结果。
type PurgeReport struct {
	GroupKey     string `json:"group"`
	Identities   int    `json:"orphaned_items"`
	FilesRemoved int    `json:"files_removed"`
}

// Purge 删除分组；先提交索引事务，再删除不再被引用的文件。
// 文件删除失败只记录日志，残留文件由孤儿清理任务回收。
func (e *Engine) Purge(ctx context.Context, groupKey string) (PurgeReport, error) {
	groupKey = normalizeGroupKey(groupKey)
	report := PurgeReport{GroupKey: groupKey}
	orphans, err := e.index.DeleteGroup(ctx, groupKey)
	if err != nil {
		return report, err
	}
	report.Identities = len(orphans)

	var removeErr error
	for _, ident := range orphans {
		for _, name := range []string{ident.BodyFileName, ident.HeaderFileName} {
			if err := e.store.Remove(ctx, name); err != nil {
				removeErr = errors.Join(removeErr, err)
				continue
			}
			report.FilesRemoved++
		}
	}
	e.metrics.ObserveRemoval("purge", report.FilesRemoved)

	fields := logrus.Fields{
		"action":         "purge",
		"group":          groupKey,
		"orphaned_items": report.Identities,
		"files_removed":  report.FilesRemoved,
	}
	if removeErr != nil {
		e.logger.WithFields(fields).WithError(removeErr).Warn("purge_files_incomplete")
	} else {
		e.logger.WithFields(fields).Info("purge_complete")
	}
	return report, nil
}

// Groups 列出所有分组概况。
func (e *Engine) Groups(ctx context.Context) ([]index.GroupSummary, error) {
	return e.index.Groups(ctx)
}

// GroupItems 返回分组内条目，用于判断文档是否已离线缓存。
func (e *Engine) GroupItems(ctx context.Context, groupKey string) ([]index.Item, error) {
	return e.index.GroupItems(ctx, normalizeGroupKey(groupKey))
}

// normalizeGroupKey 与写入管线一致：能解析的 URL 使用规范形式。
func normalizeGroupKey(raw string) string {
	if canonical, err := keys.Canonical(raw); err == nil {
		return canonical
	}
	return raw
}
