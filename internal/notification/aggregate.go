package notification

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UnreadCount はスコープの未読通知数を返す。
// 読み取りのたびにStoreから数え直すため、コミット済みの変更が常に反映される。
// idx_notifications_unread 部分インデックスにより未読行だけを走査する。
func (s *Store) UnreadCount(ctx context.Context, scope string) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From(tableName).
		Where(sq.Eq{"scope": scope, "read_at": nil}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("未読件数クエリの生成に失敗: %w", err)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return n, nil
}
