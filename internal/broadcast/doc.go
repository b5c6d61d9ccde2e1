// Package broadcast は通知ストアの変更をスコープの購読者に知らせる無効化シグナルの配信を提供する。
//
// シグナルは「再取得せよ」という合図にすぎず、配信は最大1回で順序も保証しない。
// 単一インスタンスではHubが直接配り、複数インスタンス構成ではRelayがRedis Pub/Subを
// 介して全インスタンスのHubへ中継する。WebSocketの購読はHandlerが受け付ける。
package broadcast

import "context"

// Publisher はシグナルを発行する。HubとRelayが実装する。
type Publisher interface {
	Publish(ctx context.Context, sig Signal)
}

var (
	_ Publisher = (*Hub)(nil)
	_ Publisher = (*Relay)(nil)
)
