package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/internal/broadcast"
	"github.com/nao1215/dealerhub/internal/dispute"
	"github.com/nao1215/dealerhub/internal/notification"
	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/event"
	"github.com/nao1215/dealerhub/pkg/logging"
)

// Outcome はイベント処理の結果。
type Outcome struct {
	// Record は追記した通知。Duplicateの場合はIDだけが設定される。
	Record notification.Record
	// Duplicate は同じイベントが既に取り込み済みだったかどうか。
	Duplicate bool
}

// Processor は注文ライフサイクルイベントを注文ビューと通知ストアに反映する。
type Processor struct {
	db        *sqlx.DB
	store     *notification.Store
	publisher broadcast.Publisher
	scope     string
	log       *log.Entry
}

// NewProcessor は新しいProcessorを生成する。通知はscopeに追記する。
func NewProcessor(db *sqlx.DB, store *notification.Store, publisher broadcast.Publisher, scope string) *Processor {
	return &Processor{
		db:        db,
		store:     store,
		publisher: publisher,
		scope:     scope,
		log:       logging.Component("ingest"),
	}
}

// Process はイベントを取り込む。注文ビューの更新と通知の追記は同じトランザクションで確定する。
// イベントIDを通知IDとして使うため、再配信されたイベントはDuplicate=trueで成功として扱う。
func (p *Processor) Process(ctx context.Context, e *event.Event) (Outcome, error) {
	pl, err := planFor(e)
	if err != nil {
		return Outcome{}, err
	}

	rec := notification.Record{
		ID:        e.ID,
		Scope:     p.scope,
		Type:      e.EventType,
		Message:   pl.message,
		Link:      notification.OrderLink(e.AggregateID),
		CreatedAt: e.OccurredAt,
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Outcome{}, NewRecoverableError(err, "トランザクション開始に失敗: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if pl.update != nil {
		if err := dispute.ApplyTx(ctx, tx, *pl.update, e.OccurredAt); err != nil {
			return Outcome{}, NewRecoverableError(err, "注文ビューの更新に失敗: %v", err)
		}
	}

	rec, err = p.store.AppendTx(ctx, tx, rec)
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateID) {
			p.log.WithField("event_id", e.ID).Debug("取り込み済みのイベントを受信しました")
			return Outcome{Record: notification.Record{ID: e.ID}, Duplicate: true}, nil
		}
		return Outcome{}, NewRecoverableError(err, "通知の追記に失敗: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, NewRecoverableError(err, "トランザクションのコミットに失敗: %v", err)
	}

	p.publisher.Publish(ctx, broadcast.Invalidate(rec.Scope, broadcast.ReasonAppended, rec))
	p.log.WithFields(log.Fields{
		"event_id":   e.ID,
		"event_type": e.EventType,
		"order_id":   e.AggregateID,
	}).Info("イベントを取り込みました")
	return Outcome{Record: rec}, nil
}

// plan はイベントから導いた注文ビューの更新と通知メッセージ。
type plan struct {
	update  *dispute.OrderUpdate
	message string
}

// planFor はイベント種別ごとに注文ビューの更新内容と通知メッセージを決める。
// 未知の種別は注文ビューを変更せず、汎用のメッセージで通知する。
func planFor(e *event.Event) (plan, error) {
	switch e.EventType {
	case event.TypeOrderPlaced:
		d, err := event.DecodeData[event.OrderPlacedData](e)
		if err != nil {
			return plan{}, NewUnrecoverableError(err, "OrderPlacedのデータが不正です: %v", err)
		}
		msg := fmt.Sprintf("注文 %s が登録されました", label(d.OrderNumber, e.AggregateID))
		if d.DealerName != "" {
			msg = fmt.Sprintf("%s から注文 %s（%d件）が登録されました", d.DealerName, label(d.OrderNumber, e.AggregateID), d.ItemCount)
		}
		return plan{
			update:  &dispute.OrderUpdate{OrderID: e.AggregateID, OrderNumber: d.OrderNumber, Status: dispute.StatusPending},
			message: msg,
		}, nil

	case event.TypeOrderDisputed:
		d, err := event.DecodeData[event.OrderDisputedData](e)
		if err != nil {
			return plan{}, NewUnrecoverableError(err, "OrderDisputedのデータが不正です: %v", err)
		}
		msg := fmt.Sprintf("注文 %s で紛争が発生しました", label(d.OrderNumber, e.AggregateID))
		if d.Reason != "" {
			msg += ": " + d.Reason
		}
		return plan{
			update: &dispute.OrderUpdate{
				OrderID:       e.AggregateID,
				OrderNumber:   d.OrderNumber,
				Status:        dispute.StatusDisputed,
				DisputeReason: d.Reason,
			},
			message: msg,
		}, nil

	case event.TypeOrderStatusChanged:
		d, err := event.DecodeData[event.OrderStatusChangedData](e)
		if err != nil {
			return plan{}, NewUnrecoverableError(err, "OrderStatusChangedのデータが不正です: %v", err)
		}
		if d.Status == "" {
			return plan{}, NewUnrecoverableError(nil, "OrderStatusChangedにstatusがありません")
		}
		return plan{
			update: &dispute.OrderUpdate{
				OrderID:     e.AggregateID,
				OrderNumber: d.OrderNumber,
				Status:      dispute.Status(d.Status),
			},
			message: fmt.Sprintf("注文 %s のステータスが %s に変わりました", label(d.OrderNumber, e.AggregateID), d.Status),
		}, nil

	case event.TypeOrderDisputeResolved:
		d, err := event.DecodeData[event.OrderDisputeResolvedData](e)
		if err != nil {
			return plan{}, NewUnrecoverableError(err, "OrderDisputeResolvedのデータが不正です: %v", err)
		}
		return plan{
			message: fmt.Sprintf("注文 %s の紛争が解決されました（%s）", e.AggregateID, d.NewStatus),
		}, nil

	default:
		return plan{
			message: fmt.Sprintf("注文 %s に関するイベント %s を受信しました", e.AggregateID, e.EventType),
		}, nil
	}
}

func label(orderNumber, orderID string) string {
	if orderNumber != "" {
		return orderNumber
	}
	return orderID
}
