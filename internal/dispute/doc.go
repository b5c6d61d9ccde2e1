// Package dispute は紛争中の注文を許可された次のステータスへ解決する状態機械を提供する。
//
// 注文そのものは商取引サブシステムが所有し、このパッケージはイベントから組み立てた
// ビュー（order_disputesテーブル）を参照する。解決は注文がDisputedのときだけ受け付け、
// 遷移先はInTransit, Delivered, ReturnedToCentralに限られる。
// 解決すると同じトランザクションで解決通知を通知ストアに追記する。
package dispute
