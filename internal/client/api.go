package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/nao1215/dealerhub/internal/notification"
	"github.com/nao1215/dealerhub/pkg/httpclient"
)

// FeedPage はフィードAPIから取得した1ページ。
type FeedPage struct {
	// Items は新しい順に並んだ通知。
	Items []notification.Record `json:"items"`
	// HasMore は次のページが存在するかどうか。
	HasMore bool `json:"has_more"`
	// NextCursor は次のページを取得するカーソル。
	NextCursor string `json:"next_cursor,omitempty"`
}

// API はEngineが使用する通知サービスの操作。
type API interface {
	// FetchPage はスコープのフィードを1始まりのページ番号で取得する。
	FetchPage(ctx context.Context, scope string, page, size int) (FeedPage, error)
	// FetchAfter はカーソルが指す通知より古い通知を1ページ取得する。
	FetchAfter(ctx context.Context, scope, cursor string, size int) (FeedPage, error)
	// UnreadCount はスコープの未読件数を取得する。
	UnreadCount(ctx context.Context, scope string) (int, error)
	// MarkRead は通知を既読にし、既読後の通知を返す。
	MarkRead(ctx context.Context, id string) (notification.Record, error)
	// Delete は通知を削除する。
	Delete(ctx context.Context, id string) error
}

// HTTPAPI は通知サービスのREST APIを呼び出すAPI実装。
type HTTPAPI struct {
	client *httpclient.Client
}

var _ API = (*HTTPAPI)(nil)

// NewHTTPAPI は新しいHTTPAPIを生成する。
func NewHTTPAPI(client *httpclient.Client) *HTTPAPI {
	return &HTTPAPI{client: client}
}

// FetchPage はGET /api/v1/notifications/:scope を呼び出す。
func (a *HTTPAPI) FetchPage(ctx context.Context, scope string, page, size int) (FeedPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var p FeedPage
	if err := a.client.GetJSON(ctx, notificationsPath(scope)+"?"+q.Encode(), &p); err != nil {
		return FeedPage{}, fmt.Errorf("フィードの取得に失敗: %w", err)
	}
	return p, nil
}

// FetchAfter はGET /api/v1/notifications/:scope?cursor= を呼び出す。
func (a *HTTPAPI) FetchAfter(ctx context.Context, scope, cursor string, size int) (FeedPage, error) {
	q := url.Values{}
	q.Set("cursor", cursor)
	q.Set("size", strconv.Itoa(size))

	var p FeedPage
	if err := a.client.GetJSON(ctx, notificationsPath(scope)+"?"+q.Encode(), &p); err != nil {
		return FeedPage{}, fmt.Errorf("フィードの続きの取得に失敗: %w", err)
	}
	return p, nil
}

// UnreadCount はGET /api/v1/notifications/:scope/unread-count を呼び出す。
func (a *HTTPAPI) UnreadCount(ctx context.Context, scope string) (int, error) {
	var resp struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := a.client.GetJSON(ctx, notificationsPath(scope)+"/unread-count", &resp); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return resp.UnreadCount, nil
}

// MarkRead はPUT /api/v1/notifications/:id/read を呼び出す。
func (a *HTTPAPI) MarkRead(ctx context.Context, id string) (notification.Record, error) {
	var resp struct {
		Notification notification.Record `json:"notification"`
	}
	if err := a.client.PutJSON(ctx, notificationsPath(id)+"/read", nil, &resp); err != nil {
		return notification.Record{}, fmt.Errorf("既読化に失敗: %w", err)
	}
	return resp.Notification, nil
}

// Delete はDELETE /api/v1/notifications/:id を呼び出す。
func (a *HTTPAPI) Delete(ctx context.Context, id string) error {
	if err := a.client.Delete(ctx, notificationsPath(id)); err != nil {
		return fmt.Errorf("削除に失敗: %w", err)
	}
	return nil
}

func notificationsPath(key string) string {
	return "/api/v1/notifications/" + url.PathEscape(key)
}
