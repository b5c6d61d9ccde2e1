package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/internal/broadcast"
	"github.com/nao1215/dealerhub/internal/notification"
	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/event"
	"github.com/nao1215/dealerhub/pkg/logging"
)

var disputesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dealerhub",
	Subsystem: "dispute",
	Name:      "resolved_total",
	Help:      "紛争解決の件数（遷移先ステータス別）",
}, []string{"status"})

// ResolveRequest は紛争解決の要求。
type ResolveRequest struct {
	// OrderID は対象注文のID。
	OrderID string
	// NewStatus は遷移先ステータス。
	NewStatus Status
	// Notes は解決メモ。
	Notes string
	// ResolvedBy は解決するスタッフのID。
	ResolvedBy string
}

// Result は紛争解決の結果。
type Result struct {
	// Case は解決後の注文ビュー。
	Case Case `json:"order"`
	// NotificationID は解決時に追記した通知のID。
	NotificationID string `json:"notification_id"`
	// Replayed は同一要求の再送に対して以前の結果を返したかどうか。
	Replayed bool `json:"replayed"`
}

// Service は紛争解決の状態遷移を検証して適用する。
type Service struct {
	db        *sqlx.DB
	repo      *Repository
	store     *notification.Store
	publisher broadcast.Publisher
	scope     string
	now       func() time.Time
	log       *log.Entry
}

// NewService は新しいServiceを生成する。
// 解決通知はscopeに追記し、コミット後にpublisherへ無効化シグナルを発行する。
func NewService(db *sqlx.DB, store *notification.Store, publisher broadcast.Publisher, scope string) *Service {
	return &Service{
		db:        db,
		repo:      NewRepository(db),
		store:     store,
		publisher: publisher,
		scope:     scope,
		now:       time.Now,
		log:       logging.Component("dispute"),
	}
}

// Repository は注文ビューのリポジトリを返す。
func (s *Service) Repository() *Repository {
	return s.repo
}

// Resolve は紛争中の注文を遷移先ステータスに解決する。
//
// 遷移先が許可されていない場合はapperr.ErrInvalidTransition、注文が紛争中でない場合は
// apperr.ErrNotDisputedを返し、どちらも何も変更しない。
// 注文の更新と解決通知の追記は1つのトランザクションで確定する。
// 既に同じ遷移先とメモで解決済みの注文への再送は、以前の結果をReplayed=trueで返す。
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (Result, error) {
	if !IsResolutionTarget(req.NewStatus) {
		return Result{}, fmt.Errorf("遷移先 %q: %w", req.NewStatus, apperr.ErrInvalidTransition)
	}

	var (
		result Result
		rec    notification.Record
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getCase(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}

		if current.Status != StatusDisputed {
			if isReplay(current, req) {
				result = Result{Case: current, NotificationID: current.ResolutionNotificationID, Replayed: true}
				return nil
			}
			return fmt.Errorf("注文 %s は %s です: %w", req.OrderID, current.Status, apperr.ErrNotDisputed)
		}

		now := s.now().UTC().Truncate(time.Millisecond)
		rec = notification.NewRecord(s.scope, event.TypeOrderDisputeResolved,
			resolutionMessage(current, req.NewStatus), notification.OrderLink(req.OrderID), now)

		resolved := current
		resolved.Status = req.NewStatus
		resolved.ResolvedStatus = req.NewStatus
		resolved.ResolutionNotes = req.Notes
		resolved.ResolvedBy = req.ResolvedBy
		resolved.ResolvedAt = &now
		resolved.ResolutionNotificationID = rec.ID
		resolved.UpdatedAt = now

		if err := markResolved(ctx, tx, resolved); err != nil {
			return err
		}
		if rec, err = s.store.AppendTx(ctx, tx, rec); err != nil {
			return err
		}

		result = Result{Case: resolved, NotificationID: rec.ID}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if !result.Replayed {
		disputesResolved.WithLabelValues(string(req.NewStatus)).Inc()
		s.publisher.Publish(ctx, broadcast.Invalidate(s.scope, broadcast.ReasonDisputeResolved, rec))
		s.log.WithFields(log.Fields{
			"order_id":    req.OrderID,
			"status":      req.NewStatus,
			"resolved_by": req.ResolvedBy,
		}).Info("紛争を解決しました")
	}
	return result, nil
}

// isReplay は解決済みの注文に対する要求が前回と同一の再送かどうかを返す。
// 解決後に注文が商取引側で進んでいても、記録した遷移先とメモで判定する。
func isReplay(c Case, req ResolveRequest) bool {
	return c.Resolved() && c.ResolvedStatus == req.NewStatus && c.ResolutionNotes == req.Notes
}

// resolutionMessage は解決通知の表示メッセージを生成する。
func resolutionMessage(c Case, to Status) string {
	label := c.OrderNumber
	if label == "" {
		label = c.OrderID
	}
	return fmt.Sprintf("注文 %s の紛争が解決されました（%s）", label, to)
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
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
