// Package client はスタッフ画面側で通知フィードと未読件数のキャッシュを同期する。
//
// Engineはサーバーを正とするローカルキャッシュで、プッシュのシグナルを再取得のきっかけ
// としてのみ扱う。ManagerはWebSocket接続を維持し、切断時は指数バックオフで再接続する。
// Pollerはプッシュとは独立に未読件数を定期取得し、取りこぼしを補う。
package client
