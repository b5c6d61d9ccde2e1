package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeOrder はB2B注文エンティティを表す。
	AggregateTypeOrder AggregateType = "Order"
)

// Type は注文ライフサイクルイベントの種類を表す。
// 商取引サブシステムが新しい種類を追加する可能性があるため、未知の値も受け入れる。
type Type string

const (
	// TypeOrderPlaced は注文が登録されたことを表す。
	TypeOrderPlaced Type = "OrderPlaced"
	// TypeOrderDisputed は配送側の問題が報告され注文が紛争状態になったことを表す。
	TypeOrderDisputed Type = "OrderDisputed"
	// TypeOrderDisputeResolved はスタッフが紛争を解決したことを表す。
	TypeOrderDisputeResolved Type = "OrderDisputeResolved"
	// TypeOrderStatusChanged は商取引サブシステムで注文ステータスが変わったことを表す。
	TypeOrderStatusChanged Type = "OrderStatusChanged"
)

// Kind は通知の表示ルールを決める種別。
// 未知のイベント種別はすべてKindOtherに縮退する。
type Kind string

const (
	// KindOrderPlaced は注文登録の通知。
	KindOrderPlaced Kind = "OrderPlaced"
	// KindOrderDisputed は紛争発生の通知。
	KindOrderDisputed Kind = "OrderDisputed"
	// KindDisputeResolved は紛争解決の通知。
	KindDisputeResolved Kind = "OrderDisputeResolved"
	// KindOrderStatusChanged は注文ステータス変更の通知。
	KindOrderStatusChanged Kind = "OrderStatusChanged"
	// KindOther は汎用の表示ルールで扱う通知。
	KindOther Kind = "Other"
)

// KindOf はイベント種別に対応する通知種別を返す。未知の種別はKindOtherになる。
func KindOf(t Type) Kind {
	switch t {
	case TypeOrderPlaced:
		return KindOrderPlaced
	case TypeOrderDisputed:
		return KindOrderDisputed
	case TypeOrderDisputeResolved:
		return KindDisputeResolved
	case TypeOrderStatusChanged:
		return KindOrderStatusChanged
	default:
		return KindOther
	}
}

// Known はイベント種別がこのサービスで個別に扱う種別かを返す。
func (t Type) Known() bool {
	return KindOf(t) != KindOther
}

// Event は商取引サブシステムから受信する注文ライフサイクルイベント。
type Event struct {
	// ID はイベントの一意識別子。通知IDとしても使用するため再配信で重複しない。
	ID string `json:"id"`
	// AggregateID は対象注文のID。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// OccurredAt はイベントが発生した日時。
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderPlacedData はOrderPlacedイベントのデータ。
type OrderPlacedData struct {
	// OrderNumber は表示用の注文番号。
	OrderNumber string `json:"order_number"`
	// DealerName は発注元販売店の名前。
	DealerName string `json:"dealer_name"`
	// ItemCount は注文の明細数。
	ItemCount int `json:"item_count"`
}

// OrderDisputedData はOrderDisputedイベントのデータ。
type OrderDisputedData struct {
	// OrderNumber は表示用の注文番号。
	OrderNumber string `json:"order_number"`
	// Reason は紛争の理由。
	Reason string `json:"reason"`
	// ReportedBy は問題を報告した担当者。
	ReportedBy string `json:"reported_by"`
}

// OrderDisputeResolvedData はOrderDisputeResolvedイベントのデータ。
type OrderDisputeResolvedData struct {
	// NewStatus は解決後の注文ステータス。
	NewStatus string `json:"new_status"`
	// Notes は解決時のメモ。
	Notes string `json:"notes"`
	// ResolvedBy は解決したスタッフのID。
	ResolvedBy string `json:"resolved_by"`
}

// OrderStatusChangedData はOrderStatusChangedイベントのデータ。
type OrderStatusChangedData struct {
	// OrderNumber は表示用の注文番号。
	OrderNumber string `json:"order_number"`
	// Status は変更後の注文ステータス。
	Status string `json:"status"`
}
