package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/dealerhub/pkg/apperr"
)

const tableName = "order_disputes"

var columns = []string{
	"order_id", "order_number", "status", "dispute_reason",
	"resolved_status", "resolution_notes", "resolved_by", "resolved_at", "resolution_notification_id", "updated_at",
}

// upsertQuery は注文ビューを登録または更新する。
// Disputedに入るときは紛争理由を差し替え、前回の解決記録を消去する。
const upsertQuery = `
INSERT INTO order_disputes (order_id, order_number, status, dispute_reason, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(order_id) DO UPDATE SET
    order_number = CASE WHEN excluded.order_number <> '' THEN excluded.order_number ELSE order_disputes.order_number END,
    status = excluded.status,
    dispute_reason = COALESCE(excluded.dispute_reason, order_disputes.dispute_reason),
    resolved_status = CASE WHEN excluded.status = 'Disputed' THEN NULL ELSE order_disputes.resolved_status END,
    resolution_notes = CASE WHEN excluded.status = 'Disputed' THEN NULL ELSE order_disputes.resolution_notes END,
    resolved_by = CASE WHEN excluded.status = 'Disputed' THEN NULL ELSE order_disputes.resolved_by END,
    resolved_at = CASE WHEN excluded.status = 'Disputed' THEN NULL ELSE order_disputes.resolved_at END,
    resolution_notification_id = CASE WHEN excluded.status = 'Disputed' THEN NULL ELSE order_disputes.resolution_notification_id END,
    updated_at = excluded.updated_at
`

// Case は紛争解決の対象となる注文のビュー。
type Case struct {
	// OrderID は注文ID。
	OrderID string `json:"order_id"`
	// OrderNumber は表示用の注文番号。
	OrderNumber string `json:"order_number,omitempty"`
	// Status は現在の注文ステータス。
	Status Status `json:"status"`
	// DisputeReason は紛争理由。
	DisputeReason string `json:"dispute_reason,omitempty"`
	// ResolvedStatus は紛争解決で適用した遷移先。解決後に注文が進んでもStatusと違い変わらない。
	ResolvedStatus Status `json:"resolved_status,omitempty"`
	// ResolutionNotes は解決メモ。
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	// ResolvedBy は解決したスタッフのID。
	ResolvedBy string `json:"resolved_by,omitempty"`
	// ResolvedAt は解決日時。未解決の場合はnil。
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	// ResolutionNotificationID は解決時に追記した通知のID。
	ResolutionNotificationID string `json:"resolution_notification_id,omitempty"`
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolved は紛争解決の記録を持つかどうかを返す。
func (c Case) Resolved() bool {
	return c.ResolvedAt != nil
}

// OrderUpdate は注文ライフサイクルイベントから得たビューの更新内容。
type OrderUpdate struct {
	// OrderID は注文ID。
	OrderID string
	// OrderNumber は表示用の注文番号。空の場合は既存の値を保つ。
	OrderNumber string
	// Status は更新後のステータス。
	Status Status
	// DisputeReason は紛争理由。空の場合は既存の値を保つ。
	DisputeReason string
}

type caseRow struct {
	OrderID                  string         `db:"order_id"`
	OrderNumber              string         `db:"order_number"`
	Status                   string         `db:"status"`
	DisputeReason            sql.NullString `db:"dispute_reason"`
	ResolvedStatus           sql.NullString `db:"resolved_status"`
	ResolutionNotes          sql.NullString `db:"resolution_notes"`
	ResolvedBy               sql.NullString `db:"resolved_by"`
	ResolvedAt               sql.NullInt64  `db:"resolved_at"`
	ResolutionNotificationID sql.NullString `db:"resolution_notification_id"`
	UpdatedAt                int64          `db:"updated_at"`
}

func (r caseRow) toCase() Case {
	c := Case{
		OrderID:                  r.OrderID,
		OrderNumber:              r.OrderNumber,
		Status:                   Status(r.Status),
		DisputeReason:            r.DisputeReason.String,
		ResolvedStatus:           Status(r.ResolvedStatus.String),
		ResolutionNotes:          r.ResolutionNotes.String,
		ResolvedBy:               r.ResolvedBy.String,
		ResolutionNotificationID: r.ResolutionNotificationID.String,
		UpdatedAt:                time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.ResolvedAt.Valid {
		t := time.UnixMilli(r.ResolvedAt.Int64).UTC()
		c.ResolvedAt = &t
	}
	return c
}

// Repository は注文紛争ビューの永続化を担う。
type Repository struct {
	db *sqlx.DB
}

// NewRepository は新しいRepositoryを生成する。
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Get は注文の紛争ビューを取得する。存在しない場合はapperr.ErrNotFoundを返す。
func (r *Repository) Get(ctx context.Context, orderID string) (Case, error) {
	return getCase(ctx, r.db, orderID)
}

// Apply は注文ビューを更新する。注文が未登録の場合は登録する。
func (r *Repository) Apply(ctx context.Context, u OrderUpdate, at time.Time) error {
	return ApplyTx(ctx, r.db, u, at)
}

// ApplyTx は呼び出し元のトランザクション内で注文ビューを更新する。
func ApplyTx(ctx context.Context, ex sqlx.ExecerContext, u OrderUpdate, at time.Time) error {
	if u.OrderID == "" || u.Status == "" {
		return errors.New("注文IDとステータスが必要です")
	}

	var reason sql.NullString
	if u.DisputeReason != "" {
		reason = sql.NullString{String: u.DisputeReason, Valid: true}
	}
	if _, err := ex.ExecContext(ctx, upsertQuery,
		u.OrderID, u.OrderNumber, string(u.Status), reason, at.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("注文ビューの更新に失敗: %w", err)
	}
	return nil
}

func getCase(ctx context.Context, q sqlx.QueryerContext, orderID string) (Case, error) {
	query, args, err := sq.Select(columns...).From(tableName).Where(sq.Eq{"order_id": orderID}).ToSql()
	if err != nil {
		return Case{}, fmt.Errorf("注文取得クエリの生成に失敗: %w", err)
	}

	var row caseRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Case{}, fmt.Errorf("注文 %s: %w", orderID, apperr.ErrNotFound)
		}
		return Case{}, fmt.Errorf("注文の取得に失敗: %w", err)
	}
	return row.toCase(), nil
}

// markResolved は紛争中の注文を解決済みに更新する。
// 他の更新と競合して紛争中でなくなっていた場合はapperr.ErrNotDisputedを返す。
func markResolved(ctx context.Context, ex sqlx.ExecerContext, c Case) error {
	query, args, err := sq.Update(tableName).
		SetMap(map[string]any{
			"status":                     string(c.Status),
			"resolved_status":            string(c.ResolvedStatus),
			"resolution_notes":           c.ResolutionNotes,
			"resolved_by":                c.ResolvedBy,
			"resolved_at":                c.ResolvedAt.UnixMilli(),
			"resolution_notification_id": c.ResolutionNotificationID,
			"updated_at":                 c.UpdatedAt.UnixMilli(),
		}).
		Where(sq.Eq{"order_id": c.OrderID, "status": string(StatusDisputed)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("解決クエリの生成に失敗: %w", err)
	}

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("注文の解決に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("解決件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("注文 %s: %w", c.OrderID, apperr.ErrNotDisputed)
	}
	return nil
}
