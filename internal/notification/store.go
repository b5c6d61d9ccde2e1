package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/event"
)

// tableName は通知テーブル名。
const tableName = "notifications"

// columns は通知テーブルの取得列。
var columns = []string{"id", "scope", "type", "message", "link", "created_at", "read_at"}

// Store は通知の永続化を担う。既読状態とページングの唯一の正となる。
// 同じIDへの変更はトランザクション内で行い、未読件数とストアの状態が食い違わないようにする。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Append は通知を追記する。同じIDが既に存在する場合はapperr.ErrDuplicateIDを返す。
// CreatedAtがゼロの場合は現在時刻を補い、保存した通知を返す。
func (s *Store) Append(ctx context.Context, r Record) (Record, error) {
	return s.appendWith(ctx, s.db, r)
}

// AppendTx は呼び出し元のトランザクション内で通知を追記する。
// 紛争解決のように、他のテーブルの更新と通知の追記を同時に確定させる場合に使う。
func (s *Store) AppendTx(ctx context.Context, tx *sqlx.Tx, r Record) (Record, error) {
	return s.appendWith(ctx, tx, r)
}

func (s *Store) appendWith(ctx context.Context, ex sqlx.ExecerContext, r Record) (Record, error) {
	if err := validate(r); err != nil {
		return Record{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)
	r.Kind = event.KindOf(r.Type)

	var readAt sql.NullInt64
	if r.ReadAt != nil {
		readAt = sql.NullInt64{Int64: toMillis(*r.ReadAt), Valid: true}
	}

	query, args, err := sq.Insert(tableName).
		Columns(columns...).
		Values(r.ID, r.Scope, string(r.Type), r.Message, nullString(r.Link), toMillis(r.CreatedAt), readAt).
		Suffix("ON CONFLICT(id) DO NOTHING").
		ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("通知追記クエリの生成に失敗: %w", err)
	}

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("通知の追記に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("追記件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return Record{}, fmt.Errorf("通知 %s: %w", r.ID, apperr.ErrDuplicateID)
	}
	return r, nil
}

// Get は通知を取得する。存在しない場合はapperr.ErrNotFoundを返す。
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	return getWith(ctx, s.db, id)
}

func getWith(ctx context.Context, q sqlx.QueryerContext, id string) (Record, error) {
	query, args, err := sq.Select(columns...).From(tableName).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("通知取得クエリの生成に失敗: %w", err)
	}

	var r row
	if err := sqlx.GetContext(ctx, q, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("通知 %s: %w", id, apperr.ErrNotFound)
		}
		return Record{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return r.toRecord(), nil
}

// MarkRead は通知を既読にする。既読済みの場合は何もせず成功する。
// 戻り値のchangedは今回の呼び出しで未読から既読に変わったかどうかを表す。
func (s *Store) MarkRead(ctx context.Context, id string) (rec Record, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sq.Update(tableName).
			Set("read_at", toMillis(s.now())).
			Where(sq.Eq{"id": id, "read_at": nil}).
			ToSql()
		if err != nil {
			return fmt.Errorf("既読化クエリの生成に失敗: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("通知の既読化に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("既読化件数の取得に失敗: %w", err)
		}
		changed = n > 0

		rec, err = getWith(ctx, tx, id)
		return err
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, changed, nil
}

// MarkAllRead はスコープ内の未読通知をすべて既読にし、変更した件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, scope string) (int64, error) {
	query, args, err := sq.Update(tableName).
		Set("read_at", toMillis(s.now())).
		Where(sq.Eq{"scope": scope, "read_at": nil}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("一括既読化クエリの生成に失敗: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("一括既読化件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Delete は通知を削除し、削除した通知を返す。存在しない場合はapperr.ErrNotFoundを返す。
func (s *Store) Delete(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		rec, err = getWith(ctx, tx, id)
		if err != nil {
			return err
		}

		query, args, err := sq.Delete(tableName).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("削除クエリの生成に失敗: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("通知の削除に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// withTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// validate は追記する通知の必須項目を検証する。
func validate(r Record) error {
	switch {
	case r.ID == "":
		return errors.New("通知IDが必要です")
	case r.Scope == "":
		return errors.New("スコープが必要です")
	case r.Type == "":
		return errors.New("通知種別が必要です")
	case r.Message == "":
		return errors.New("メッセージが必要です")
	}
	return nil
}
