package index

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/any-hub/article-cache/internal/cacheerr"
	"github.com/any-hub/article-cache/internal/keys"
)

// SQLIndex 是基于 sqlx + SQLite 的 Index 实现。
type SQLIndex struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Index = (*SQLIndex)(nil)

type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

type groupRow struct {
	ID        int64  `db:"id"`
	Key       string `db:"group_key"`
	CreatedAt int64  `db:"created_at"`
}

func (r groupRow) toGroup() Group {
	return Group{ID: r.ID, Key: r.Key, CreatedAt: fromMillis(r.CreatedAt)}
}

type itemRow struct {
	ID        int64  `db:"id"`
	GroupID   int64  `db:"group_id"`
	ItemKey   string `db:"item_key"`
	Variant   string `db:"variant"`
	URL       string `db:"url"`
	Persisted bool   `db:"persisted"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r itemRow) toItem() Item {
	return Item{
		ID:        r.ID,
		GroupID:   r.GroupID,
		ItemKey:   r.ItemKey,
		Variant:   r.Variant,
		URL:       r.URL,
		Persisted: r.Persisted,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

const itemColumns = `id, group_id, item_key, variant, url, persisted, created_at, updated_at`

func (s *SQLIndex) CreateOrFetchGroup(ctx context.Context, groupKey string) (Group, error) {
	group, err := s.upsertGroup(ctx, s.db, groupKey)
	if err != nil {
		return Group{}, cacheerr.Storage("index create group", err)
	}
	return group, nil
}

func (s *SQLIndex) CreateItem(ctx context.Context, group Group, spec ItemSpec, mode CreateMode) (Item, error) {
	var item Item
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		item, err = s.fetchOrCreateItem(ctx, tx, group.ID, spec, mode)
		return err
	})
	if err != nil {
		if errors.Is(err, cacheerr.ErrDuplicateItem) {
			return Item{}, err
		}
		return Item{}, cacheerr.Storage("index create item", err)
	}
	return item, nil
}

func (s *SQLIndex) AddItem(ctx context.Context, group Group, item Item) (Item, error) {
	var added Item
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.findInGroup(ctx, tx, group.ID, item.ItemKey, item.Variant)
		if err != nil {
			return err
		}
		if existing != nil {
			added = *existing
			return nil
		}
		now := toMillis(s.now())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cache_items (group_id, item_key, variant, url, persisted, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			group.ID, item.ItemKey, item.Variant, item.URL, item.Persisted, now, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		added = Item{
			ID:        id,
			GroupID:   group.ID,
			ItemKey:   item.ItemKey,
			Variant:   item.Variant,
			URL:       item.URL,
			Persisted: item.Persisted,
			CreatedAt: fromMillis(now),
			UpdatedAt: fromMillis(now),
		}
		return nil
	})
	if err != nil {
		return Item{}, cacheerr.Storage("index add item", err)
	}
	return added, nil
}

func (s *SQLIndex) Record(ctx context.Context, groupKey string, spec ItemSpec) (Group, Item, error) {
	var (
		group Group
		item  Item
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		group, err = s.upsertGroup(ctx, tx, groupKey)
		if err != nil {
			return err
		}
		item, err = s.fetchOrCreateItem(ctx, tx, group.ID, spec, FetchOrCreate)
		return err
	})
	if err != nil {
		return Group{}, Item{}, cacheerr.Storage("index record", err)
	}
	return group, item, nil
}

func (s *SQLIndex) LookupItem(ctx context.Context, itemKey, variant string) (*Item, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT `+itemColumns+` FROM cache_items
		 WHERE item_key = ? AND variant = ?
		 ORDER BY persisted DESC, id ASC LIMIT 1`,
		itemKey, variant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cacheerr.Storage("index lookup item", err)
	}
	item := row.toItem()
	return &item, nil
}

// FindBestVariant 按 preferred 给定的顺序返回第一个已落盘的条目，不做任何重排。
func (s *SQLIndex) FindBestVariant(ctx context.Context, itemKey string, preferred []string) (*Item, error) {
	if len(preferred) == 0 {
		return nil, nil
	}
	var rows []itemRow
	err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT `+itemColumns+` FROM cache_items
		 WHERE item_key = ? AND persisted = 1
		 ORDER BY id ASC`,
		itemKey)
	if err != nil {
		return nil, cacheerr.Storage("index find variant", err)
	}

	byVariant := make(map[string]itemRow, len(rows))
	for _, row := range rows {
		if _, seen := byVariant[row.Variant]; !seen {
			byVariant[row.Variant] = row
		}
	}
	for _, variant := range preferred {
		if row, ok := byVariant[variant]; ok {
			item := row.toItem()
			return &item, nil
		}
	}
	return nil, nil
}

func (s *SQLIndex) CachedVariants(ctx context.Context, itemKey string) ([]string, error) {
	var variants []string
	err := sqlx.SelectContext(ctx, s.db, &variants,
		`SELECT DISTINCT variant FROM cache_items
		 WHERE item_key = ? AND persisted = 1
		 ORDER BY variant`,
		itemKey)
	if err != nil {
		return nil, cacheerr.Storage("index cached variants", err)
	}
	return variants, nil
}

// MarkPersisted 标记同一 (item_key, variant) 的所有行，它们共享同一组文件。
func (s *SQLIndex) MarkPersisted(ctx context.Context, item Item) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_items SET persisted = 1, updated_at = ?
		 WHERE item_key = ? AND variant = ?`,
		toMillis(s.now()), item.ItemKey, item.Variant)
	if err != nil {
		return cacheerr.Storage("index mark persisted", err)
	}
	return nil
}

// DeleteItem 删除单行；返回 true 表示已无任何行引用该标识，调用方应删除文件。
func (s *SQLIndex) DeleteItem(ctx context.Context, item Item) (bool, error) {
	var orphaned bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_items WHERE id = ?`, item.ID); err != nil {
			return err
		}
		refs, err := countReferences(ctx, tx, item.ItemKey, item.Variant)
		if err != nil {
			return err
		}
		orphaned = refs == 0
		return nil
	})
	if err != nil {
		return false, cacheerr.Storage("index delete item", err)
	}
	return orphaned, nil
}

// DeleteGroup 删除分组及其条目，返回不再被任何分组引用的标识。
func (s *SQLIndex) DeleteGroup(ctx context.Context, groupKey string) ([]keys.Identity, error) {
	var orphans []keys.Identity
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var groupID int64
		if err := sqlx.GetContext(ctx, tx, &groupID,
			`SELECT id FROM cache_groups WHERE group_key = ?`, groupKey); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrGroupNotFound
			}
			return err
		}

		var idents []struct {
			ItemKey string `db:"item_key"`
			Variant string `db:"variant"`
		}
		if err := sqlx.SelectContext(ctx, tx, &idents,
			`SELECT DISTINCT item_key, variant FROM cache_items WHERE group_id = ? ORDER BY item_key, variant`,
			groupID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_items WHERE group_id = ?`, groupID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_groups WHERE id = ?`, groupID); err != nil {
			return err
		}

		for _, ident := range idents {
			refs, err := countReferences(ctx, tx, ident.ItemKey, ident.Variant)
			if err != nil {
				return err
			}
			if refs == 0 {
				orphans = append(orphans, keys.ForItem(ident.ItemKey, ident.Variant))
			}
		}
		return nil
	})
	if errors.Is(err, ErrGroupNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, cacheerr.Storage("index delete group", err)
	}
	return orphans, nil
}

func (s *SQLIndex) Group(ctx context.Context, groupKey string) (*Group, error) {
	var row groupRow
	err := sqlx.GetContext(ctx, s.db, &row,
		`SELECT id, group_key, created_at FROM cache_groups WHERE group_key = ?`, groupKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cacheerr.Storage("index get group", err)
	}
	group := row.toGroup()
	return &group, nil
}

func (s *SQLIndex) Groups(ctx context.Context) ([]GroupSummary, error) {
	var rows []struct {
		Key       string `db:"group_key"`
		CreatedAt int64  `db:"created_at"`
		Items     int    `db:"items"`
		Persisted int    `db:"persisted"`
	}
	err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT g.group_key, g.created_at,
		        COUNT(i.id) AS items,
		        COALESCE(SUM(i.persisted), 0) AS persisted
		 FROM cache_groups g
		 LEFT JOIN cache_items i ON i.group_id = g.id
		 GROUP BY g.id
		 ORDER BY g.id`)
	if err != nil {
		return nil, cacheerr.Storage("index list groups", err)
	}
	summaries := make([]GroupSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, GroupSummary{
			Key:       row.Key,
			CreatedAt: fromMillis(row.CreatedAt),
			Items:     row.Items,
			Persisted: row.Persisted,
		})
	}
	return summaries, nil
}

// GroupItems 按插入顺序返回分组内的条目；分组不存在时返回 ErrGroupNotFound。
func (s *SQLIndex) GroupItems(ctx context.Context, groupKey string) ([]Item, error) {
	group, err := s.Group(ctx, groupKey)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}
	var rows []itemRow
	if err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT `+itemColumns+` FROM cache_items WHERE group_id = ? ORDER BY id`, group.ID); err != nil {
		return nil, cacheerr.Storage("index group items", err)
	}
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toItem())
	}
	return items, nil
}

func (s *SQLIndex) ReferencedIdentities(ctx context.Context) ([]keys.Identity, error) {
	var rows []struct {
		ItemKey string `db:"item_key"`
		Variant string `db:"variant"`
	}
	if err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT DISTINCT item_key, variant FROM cache_items`); err != nil {
		return nil, cacheerr.Storage("index referenced identities", err)
	}
	idents := make([]keys.Identity, 0, len(rows))
	for _, row := range rows {
		idents = append(idents, keys.ForItem(row.ItemKey, row.Variant))
	}
	return idents, nil
}

func (s *SQLIndex) upsertGroup(ctx context.Context, q queryer, groupKey string) (Group, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO cache_groups (group_key, created_at) VALUES (?, ?)
		 ON CONFLICT (group_key) DO NOTHING`,
		groupKey, toMillis(s.now())); err != nil {
		return Group{}, err
	}
	var row groupRow
	if err := sqlx.GetContext(ctx, q, &row,
		`SELECT id, group_key, created_at FROM cache_groups WHERE group_key = ?`, groupKey); err != nil {
		return Group{}, err
	}
	return row.toGroup(), nil
}

func (s *SQLIndex) findInGroup(ctx context.Context, q queryer, groupID int64, itemKey, variant string) (*Item, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+itemColumns+` FROM cache_items
		 WHERE group_id = ? AND item_key = ? AND variant = ?`,
		groupID, itemKey, variant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item := row.toItem()
	return &item, nil
}

func (s *SQLIndex) fetchOrCreateItem(ctx context.Context, q queryer, groupID int64, spec ItemSpec, mode CreateMode) (Item, error) {
	existing, err := s.findInGroup(ctx, q, groupID, spec.ItemKey, spec.Variant)
	if err != nil {
		return Item{}, err
	}
	now := toMillis(s.now())
	if existing != nil {
		if mode == CreateOnly {
			return Item{}, cacheerr.ErrDuplicateItem
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE cache_items SET url = ?, updated_at = ? WHERE id = ?`,
			spec.URL, now, existing.ID); err != nil {
			return Item{}, err
		}
		existing.URL = spec.URL
		existing.UpdatedAt = fromMillis(now)
		return *existing, nil
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO cache_items (group_id, item_key, variant, url, persisted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		groupID, spec.ItemKey, spec.Variant, spec.URL, now, now)
	if err != nil {
		return Item{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:        id,
		GroupID:   groupID,
		ItemKey:   spec.ItemKey,
		Variant:   spec.Variant,
		URL:       spec.URL,
		CreatedAt: fromMillis(now),
		UpdatedAt: fromMillis(now),
	}, nil
}

func countReferences(ctx context.Context, q queryer, itemKey, variant string) (int, error) {
	var refs int
	err := sqlx.GetContext(ctx, q, &refs,
		`SELECT COUNT(*) FROM cache_items WHERE item_key = ? AND variant = ?`, itemKey, variant)
	return refs, err
}

// withTx 在事务中执行 fn，出错时回滚。
func (s *SQLIndex) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
