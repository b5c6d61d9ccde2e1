// Package apperr はサーバーとクライアントで共有するエラー分類を提供する。
//
// ストアや状態機械のエラーはリクエスト単位で呼び出し元に返し、
// トランスポートのエラーはクライアント側で再接続により回復する。
package apperr
