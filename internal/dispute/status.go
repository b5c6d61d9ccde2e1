package dispute

// Status は注文ステータス。商取引サブシステムが値を追加する可能性があるため文字列として扱う。
type Status string

const (
	// StatusPending は登録直後の注文。
	StatusPending Status = "Pending"
	// StatusConfirmed は確定済みの注文。
	StatusConfirmed Status = "Confirmed"
	// StatusInTransit は配送中の注文。
	StatusInTransit Status = "InTransit"
	// StatusDelivered は配送完了した注文。
	StatusDelivered Status = "Delivered"
	// StatusDisputed は配送側の問題が報告され解決待ちの注文。
	StatusDisputed Status = "Disputed"
	// StatusReturnedToCentral は中央倉庫へ返送された注文。
	StatusReturnedToCentral Status = "ReturnedToCentral"
)

// resolutionTargets は紛争解決で遷移できるステータス。
var resolutionTargets = map[Status]struct{}{
	StatusInTransit:         {},
	StatusDelivered:         {},
	StatusReturnedToCentral: {},
}

// IsResolutionTarget はstatusが紛争解決の遷移先として許可されているかを返す。
func IsResolutionTarget(s Status) bool {
	_, ok := resolutionTargets[s]
	return ok
}
