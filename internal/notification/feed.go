package notification

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const (
	// DefaultPageSize はsize省略時のページサイズ。
	DefaultPageSize = 20
	// MaxPageSize はページサイズの上限。
	MaxPageSize = 100
)

// Page はフィードの1ページ。通知は新しい順に並ぶ。
type Page struct {
	// Items はページ内の通知。
	Items []Record
	// HasMore は次のページが存在するかどうか。
	HasMore bool
	// Next は次のページの継続カーソル。HasMoreがfalseの場合はゼロ値。
	Next Cursor
}

// Page はカーソル以降の通知を新しい順（作成日時の降順、同時刻はIDの降順）に最大size件返す。
// カーソルがゼロ値の場合は先頭から返す。
func (s *Store) Page(ctx context.Context, scope string, cursor Cursor, size int) (Page, error) {
	q := s.feedQuery(scope, size)
	if !cursor.IsZero() {
		q = q.Where(sq.Or{
			sq.Lt{"created_at": cursor.CreatedAt},
			sq.And{sq.Eq{"created_at": cursor.CreatedAt}, sq.Lt{"id": cursor.ID}},
		})
	}
	return s.fetchPage(ctx, q, size)
}

// PageAt は1始まりのページ番号で通知を返す。
// 静止したストアでは連続するページを連結しても重複も欠落も生じない。
func (s *Store) PageAt(ctx context.Context, scope string, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	q := s.feedQuery(scope, size).Offset(uint64((page - 1) * normalizeSize(size)))
	return s.fetchPage(ctx, q, size)
}

// feedQuery はスコープのフィード取得クエリを組み立てる。
// 次ページの有無を判定するため1件多く取得する。
func (s *Store) feedQuery(scope string, size int) sq.SelectBuilder {
	return sq.Select(columns...).
		From(tableName).
		Where(sq.Eq{"scope": scope}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(normalizeSize(size) + 1))
}

func (s *Store) fetchPage(ctx context.Context, q sq.SelectBuilder, size int) (Page, error) {
	size = normalizeSize(size)

	query, args, err := q.ToSql()
	if err != nil {
		return Page{}, fmt.Errorf("フィードクエリの生成に失敗: %w", err)
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return Page{}, fmt.Errorf("フィードの取得に失敗: %w", err)
	}

	p := Page{Items: toRecords(rows)}
	if len(p.Items) > size {
		p.Items = p.Items[:size]
		p.HasMore = true
		p.Next = CursorAfter(p.Items[len(p.Items)-1])
	}
	return p, nil
}

// normalizeSize はページサイズを1以上MaxPageSize以下に収める。0以下は既定値になる。
func normalizeSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}
