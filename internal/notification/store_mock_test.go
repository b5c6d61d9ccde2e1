package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/event"
)

// setupMockStore はsqlmockを使ったStoreを構築する。
func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err, "モックDBの作成に失敗")
	t.Cleanup(func() { db.Close() })

	s := NewStore(sqlx.NewDb(db, "sqlite"))
	s.now = func() time.Time { return baseTime }
	return s, mock
}

func TestStoreWithMockDB(t *testing.T) {
	t.Parallel()

	t.Run("追記件数が0の場合はErrDuplicateIDになること", func(t *testing.T) {
		t.Parallel()
		s, mock := setupMockStore(t)

		mock.ExpectExec("INSERT INTO notifications .* ON CONFLICT\\(id\\) DO NOTHING").
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := s.Append(t.Context(), Record{ID: "n-1", Scope: "staff", Type: event.TypeOrderPlaced, Message: "m"})
		assert.ErrorIs(t, err, apperr.ErrDuplicateID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("未読件数の取得失敗はエラーとして返ること", func(t *testing.T) {
		t.Parallel()
		s, mock := setupMockStore(t)

		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM notifications WHERE").
			WillReturnError(errors.New("disk I/O error"))

		_, err := s.UnreadCount(t.Context(), "staff")
		assert.Error(t, err)
		assert.Equal(t, 500, apperr.HTTPStatus(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("既読化の更新に失敗した場合はロールバックされること", func(t *testing.T) {
		t.Parallel()
		s, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE notifications SET read_at").
			WillReturnError(errors.New("database is locked"))
		mock.ExpectRollback()

		_, changed, err := s.MarkRead(t.Context(), "n-1")
		assert.Error(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("コミットに失敗した場合は変更なしとして返ること", func(t *testing.T) {
		t.Parallel()
		s, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE notifications SET read_at").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT .* FROM notifications WHERE id = ?").
			WithArgs("n-1").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("n-1", "staff", "OrderPlaced", "m", nil, baseTime.UnixMilli(), baseTime.UnixMilli()))
		mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

		_, changed, err := s.MarkRead(t.Context(), "n-1")
		assert.Error(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("削除対象が存在しない場合は削除文を発行しないこと", func(t *testing.T) {
		t.Parallel()
		s, mock := setupMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .* FROM notifications WHERE id = ?").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectRollback()

		_, err := s.Delete(t.Context(), "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
