// Package httpclient は通知サービスのREST APIを呼び出すクライアントを提供する。
//
// スタッフ側クライアントがフィード取得、既読化、削除、紛争解決を行う際に使用する。
// 2xx以外のレスポンスはStatusErrorとして返し、apperrの分類でerrors.Is判定できる。
package httpclient
