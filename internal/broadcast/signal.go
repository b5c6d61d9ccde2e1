package broadcast

import (
	"encoding/json"
)

// SignalTypeInvalidate は「再取得せよ」を意味するシグナル種別。
const SignalTypeInvalidate = "invalidate"

// Reason はシグナルが発行された理由。クライアントの判断材料にはしない。
type Reason string

const (
	// ReasonAppended は通知が追記されたことを表す。
	ReasonAppended Reason = "appended"
	// ReasonRead は通知が既読になったことを表す。
	ReasonRead Reason = "read"
	// ReasonReadAll はスコープ内の通知がまとめて既読になったことを表す。
	ReasonReadAll Reason = "read_all"
	// ReasonDeleted は通知が削除されたことを表す。
	ReasonDeleted Reason = "deleted"
	// ReasonDisputeResolved は紛争解決により通知が追記されたことを表す。
	ReasonDisputeResolved Reason = "dispute_resolved"
)

// Signal はスコープの購読者に送る無効化シグナル。
// Recordは参考情報であり、後続のフィード取得より優先してはならない。
type Signal struct {
	// Type はシグナル種別。常に "invalidate"。
	Type string `json:"type"`
	// Scope は変更が発生したスコープ。
	Scope string `json:"scope"`
	// Reason は変更の理由。
	Reason Reason `json:"reason,omitempty"`
	// Record は追記された通知の参考コピー。
	Record json.RawMessage `json:"record,omitempty"`
}

// Invalidate はスコープの無効化シグナルを生成する。
// recordがnilでない場合は参考コピーとして添付する。シリアライズできない場合は添付しない。
func Invalidate(scope string, reason Reason, record any) Signal {
	sig := Signal{Type: SignalTypeInvalidate, Scope: scope, Reason: reason}
	if record != nil {
		if b, err := json.Marshal(record); err == nil {
			sig.Record = b
		}
	}
	return sig
}

// decodeSignal はRedisやWebSocketから受け取ったJSONをシグナルに戻す。
func decodeSignal(payload []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return Signal{}, err
	}
	return sig, nil
}
