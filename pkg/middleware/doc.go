// Package middleware は通知サービスのGin HTTP APIで使用する共通ミドルウェアを提供する。
//
// スタッフ用JWTトークンの検証、リクエストIDの付与、logrusによるアクセスログ、
// パニックリカバリ、CORS設定を含む。
package middleware
