// Package ingest は商取引サブシステムから届く注文ライフサイクルイベントを取り込む。
//
// イベントはAMQPのトピックエクスチェンジ（ルーティングキー orders.#）または
// 内部HTTP APIで受信する。取り込みでは注文紛争ビューを更新し、イベントIDを通知IDとして
// 通知ストアに追記する。同じイベントが再配信されても通知は1件だけになる。
package ingest
