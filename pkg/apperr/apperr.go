package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound は指定されたIDの通知または注文が存在しないことを表す。
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID は既に存在するIDで通知を追記しようとしたことを表す。
	// 冪等なプロデューサーはこのエラーを成功として扱ってよい。
	ErrDuplicateID = errors.New("duplicate id")
	// ErrInvalidTransition は紛争解決の遷移先ステータスが許可されていないことを表す。
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotDisputed は紛争中でない注文に対して解決操作が要求されたことを表す。
	ErrNotDisputed = errors.New("order is not disputed")
	// ErrTransportLost はブロードキャスト接続が切断されたことを表す。
	// 再接続によって回復可能なエラーである。
	ErrTransportLost = errors.New("transport lost")
	// ErrStaleResponse は後続の取得によって置き換えられた古いレスポンスを破棄したことを表す。
	// ユーザーには表示しない。
	ErrStaleResponse = errors.New("stale response")
)

// HTTPStatus はエラーに対応するHTTPステータスコードを返す。
// 分類に該当しないエラーは500として扱う。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotDisputed):
		return http.StatusConflict
	case errors.Is(err, ErrTransportLost):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus はサーバーが返したHTTPステータスコードを分類済みのエラーに戻す。
// クライアント側でのエラー判定に使用する。409は注文解決APIでのみ返るためErrNotDisputedとする。
func FromStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrInvalidTransition
	case http.StatusConflict:
		return ErrNotDisputed
	case http.StatusServiceUnavailable:
		return ErrTransportLost
	default:
		return nil
	}
}
