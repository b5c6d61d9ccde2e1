// Package notification はスタッフ向け通知の保存、未読件数の集計、フィード取得を提供する。
//
// Storeは通知の唯一の書き込み先であり、既読状態とページングの正となる。
// 未読件数は読み取りのたびにStoreから再計算するため、別のカウンタを持たない。
// Handlerはフィード、未読件数、既読化、削除のREST APIを公開し、
// 変更後に無効化シグナルを発行する。
package notification
