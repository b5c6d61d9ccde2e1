package notification

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor はフィードの継続カーソルを解釈できないことを表す。
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor はフィードの継続位置。直前のページの最後の通知を指す。
type Cursor struct {
	// CreatedAt は最後の通知の作成日時（UNIXミリ秒）。
	CreatedAt int64
	// ID は最後の通知のID。
	ID string
}

// IsZero は先頭ページを表すゼロ値かどうかを返す。
func (c Cursor) IsZero() bool {
	return c.ID == ""
}

// Encode はカーソルを不透明な文字列に変換する。
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt, 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// CursorAfter はrより古い通知から続けて取得するカーソルを返す。
func CursorAfter(r Record) Cursor {
	return Cursor{CreatedAt: toMillis(r.CreatedAt), ID: r.ID}
}

// ParseCursor はEncodeで生成した文字列をカーソルに戻す。空文字列はゼロ値になる。
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	msPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrInvalidCursor
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{CreatedAt: ms, ID: id}, nil
}
