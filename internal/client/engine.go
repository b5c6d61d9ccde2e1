package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/internal/notification"
	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/logging"
)

// Op は楽観的に適用する変更操作の種類。
type Op string

const (
	// OpMarkRead は既読化。
	OpMarkRead Op = "mark-read"
	// OpDelete は削除。
	OpDelete Op = "delete"
)

// MutationError はサーバーで確定できずロールバックした変更操作のエラー。
type MutationError struct {
	// Op は失敗した操作。
	Op Op
	// ID は対象の通知ID。
	ID string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *MutationError) Error() string {
	return fmt.Sprintf("通知 %s の%sに失敗: %v", e.ID, e.Op, e.Err)
}

// Unwrap は原因となったエラーを返す。
func (e *MutationError) Unwrap() error {
	return e.Err
}

// View はEngineが保持するキャッシュの読み取り専用スナップショット。
type View struct {
	// State は同期状態。
	State State
	// Items は読み込み済みの通知。新しい順。
	Items []notification.Record
	// HasMore は読み込み済みの範囲より古い通知があるかどうか。
	HasMore bool
	// Unread は未読件数。
	Unread int
	// Degraded はプッシュ接続を回復できず、表示が古い可能性があるかどうか。
	Degraded bool
}

// Engine はスコープの読み込み済みページと未読件数のローカルキャッシュを管理する。
//
// プッシュのシグナルは再取得のきっかけとしてのみ扱い、データの正はサーバーとする。
// LoadMoreで読み込んだページ数を覚えておき、再取得は同じ深さまで取り直す。
// 取得には世代番号を付け、最新の世代以外のレスポンスは破棄する。
// 既読化と削除はキャッシュに楽観的に適用し、サーバーで確定できなければ元に戻す。
type Engine struct {
	api   API
	scope string
	size  int
	now   func() time.Time
	log   *log.Entry

	mu            sync.Mutex
	state         State
	everConnected bool
	degraded      bool
	items         []notification.Record
	hasMore       bool
	pages         int
	unread        int
	loaded        bool
	itemsGen      uint64
	countGen      uint64
	signalEpoch   uint64
	inflight      int
	deleting      map[string]int
	invalidated   chan struct{}
}

// NewEngine は新しいEngineを生成する。sizeが0以下の場合は既定のページサイズを使う。
func NewEngine(api API, scope string, size int) *Engine {
	if size <= 0 {
		size = notification.DefaultPageSize
	}
	return &Engine{
		api:         api,
		scope:       scope,
		size:        size,
		now:         time.Now,
		log:         logging.Component("client").WithField("scope", scope),
		state:       StateDisconnected,
		deleting:    make(map[string]int),
		invalidated: make(chan struct{}, 1),
	}
}

// Scope は対象スコープを返す。
func (e *Engine) Scope() string {
	return e.scope
}

// Invalidated は再取得が必要になったときに通知するチャネルを返す。
// 通知は合体されるため、受信したら1回再取得すればよい。
func (e *Engine) Invalidated() <-chan struct{} {
	return e.invalidated
}

// View は現在のキャッシュのスナップショットを返す。
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()

	return View{
		State:    e.state,
		Items:    slices.Clone(e.items),
		HasMore:  e.hasMore,
		Unread:   e.unread,
		Degraded: e.degraded,
	}
}

// OnConnect はプッシュ接続の確立を反映する。
// キャッシュが未取得の初回接続以外は、切断中のシグナルを取りこぼしている可能性があるため必ずStaleを経由する。
func (e *Engine) OnConnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateConnected
	first := !e.everConnected
	e.everConnected = true
	if first && !e.loaded {
		e.invalidateLocked()
		return
	}
	// 接続前に取得したキャッシュも、接続するまでのシグナルを取りこぼしている
	e.markStaleLocked()
}

// OnSignal は無効化シグナルの受信を反映する。切断中は何もしない。
func (e *Engine) OnSignal() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateDisconnected {
		return
	}
	e.markStaleLocked()
}

// OnDisconnect はプッシュ接続の切断を反映する。
func (e *Engine) OnDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateDisconnected
}

// SetDegraded は表示が古い可能性があることを示すフラグを設定する。
func (e *Engine) SetDegraded(degraded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degraded = degraded
}

// Invalidate はキャッシュを古いものとして再取得を要求する。
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markStaleLocked()
}

func (e *Engine) markStaleLocked() {
	e.signalEpoch++
	if e.state != StateDisconnected {
		e.state = StateStale
	}
	e.invalidateLocked()
}

func (e *Engine) invalidateLocked() {
	select {
	case e.invalidated <- struct{}{}:
	default:
	}
}

// Refresh は読み込み済みのページと未読件数を再取得してキャッシュに反映する。
// 先頭ページから読み込み済みの深さまでを取り直すため、古い追加ページが残ることはない。
// 後続の取得に追い越された場合は何も反映せずapperr.ErrStaleResponseを返す。
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	e.itemsGen++
	e.countGen++
	itemsGen, countGen, epoch := e.itemsGen, e.countGen, e.signalEpoch
	depth := max(e.pages, 1)
	e.mu.Unlock()

	page, err := e.api.FetchPage(ctx, e.scope, 1, e.size)
	if err != nil {
		return err
	}
	fetched := 1
	for ; fetched < depth && page.HasMore && len(page.Items) > 0; fetched++ {
		next, err := e.api.FetchAfter(ctx, e.scope, notification.CursorAfter(page.Items[len(page.Items)-1]).Encode(), e.size)
		if err != nil {
			return err
		}
		page.Items = append(page.Items, next.Items...)
		page.HasMore = next.HasMore
	}
	count, err := e.api.UnreadCount(ctx, e.scope)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if itemsGen != e.itemsGen {
		return apperr.ErrStaleResponse
	}
	e.items = e.mergeLocked(page.Items)
	e.hasMore = page.HasMore
	e.pages = fetched
	e.loaded = true
	if countGen == e.countGen && e.inflight == 0 {
		e.unread = count
	}
	if epoch == e.signalEpoch && (e.state == StateStale || e.state == StateConnected) {
		e.state = StateSynced
	}
	return nil
}

// LoadMore は読み込み済みの最後の通知より古い通知を1ページ取得してキャッシュに追加する。
// 未取得の場合や続きがない場合は何もしない。
// 取得中に再取得や変更操作でキャッシュが入れ替わった場合は何も反映せずapperr.ErrStaleResponseを返す。
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	if !e.loaded || !e.hasMore || len(e.items) == 0 {
		e.mu.Unlock()
		return nil
	}
	itemsGen := e.itemsGen
	cursor := notification.CursorAfter(e.items[len(e.items)-1])
	e.mu.Unlock()

	page, err := e.api.FetchAfter(ctx, e.scope, cursor.Encode(), e.size)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if itemsGen != e.itemsGen || len(e.items) == 0 || notification.CursorAfter(e.items[len(e.items)-1]) != cursor {
		return apperr.ErrStaleResponse
	}
	e.items = e.mergeLocked(append(page.Items, e.items...))
	e.hasMore = page.HasMore
	e.pages++
	// 実行中の再取得は浅い深さで取得しているため破棄させる
	e.itemsGen++
	if e.state == StateStale {
		e.invalidateLocked()
	}
	return nil
}

// RefreshUnread は未読件数だけを再取得する。プッシュが届かない場合の安全網として定期的に呼ぶ。
// キャッシュと件数が食い違っていれば先頭ページの再取得を要求する。
func (e *Engine) RefreshUnread(ctx context.Context) error {
	e.mu.Lock()
	e.countGen++
	countGen := e.countGen
	e.mu.Unlock()

	count, err := e.api.UnreadCount(ctx, e.scope)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if countGen != e.countGen || e.inflight > 0 {
		return apperr.ErrStaleResponse
	}
	if count != e.unread {
		e.unread = count
		e.markStaleLocked()
	}
	return nil
}

// mergeLocked は取得した通知をIDで突き合わせてキャッシュに反映する。
// 同じIDは最初の1件だけを残し、削除中の通知は含めない。
// ローカルで既読になった通知は未読に戻さない。
func (e *Engine) mergeLocked(fetched []notification.Record) []notification.Record {
	local := make(map[string]notification.Record, len(e.items))
	for _, r := range e.items {
		local[r.ID] = r
	}

	merged := make([]notification.Record, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, r := range fetched {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		if e.deleting[r.ID] > 0 {
			continue
		}
		if old, ok := local[r.ID]; ok {
			r.ReadAt = laterReadAt(old.ReadAt, r.ReadAt)
		}
		merged = append(merged, r)
	}
	sortNewestFirst(merged)
	return merged
}

// laterReadAt は2つの既読日時のうち新しい方を返す。どちらかが既読なら未読には戻らない。
func laterReadAt(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.After(*b):
		return a
	default:
		return b
	}
}

// MarkRead は通知を楽観的に既読にしてからサーバーで確定する。
// 既にローカルで既読の場合も確定のためサーバーを呼ぶが、未読件数は二重に減らさない。
// 確定に失敗した場合は変更を戻して*MutationErrorを返す。
func (e *Engine) MarkRead(ctx context.Context, id string) error {
	e.mu.Lock()
	optimistic := e.now().UTC()
	changed := false
	if i := e.indexLocked(id); i >= 0 && e.items[i].Unread() {
		e.items[i].ReadAt = &optimistic
		e.decrementLocked()
		changed = true
	}
	e.beginLocked(id, OpMarkRead)
	e.mu.Unlock()

	rec, err := e.api.MarkRead(ctx, id)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.endLocked(id, OpMarkRead)

	if err != nil {
		i := e.indexLocked(id)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			// サーバーに存在しない通知はキャッシュからも取り除く
			if i >= 0 {
				if e.items[i].Unread() {
					e.decrementLocked()
				}
				e.items = slices.Delete(e.items, i, i+1)
			}
		case changed && i >= 0 && e.items[i].ReadAt != nil && e.items[i].ReadAt.Equal(optimistic):
			e.items[i].ReadAt = nil
			e.unread++
		}
		e.log.WithError(err).WithField("id", id).Warn("既読化を確定できませんでした")
		return &MutationError{Op: OpMarkRead, ID: id, Err: err}
	}

	if i := e.indexLocked(id); i >= 0 && rec.ReadAt != nil {
		e.items[i].ReadAt = rec.ReadAt
	}
	e.markStaleLocked()
	return nil
}

// Delete は通知を楽観的にキャッシュから取り除いてからサーバーで確定する。
// サーバーに存在しなかった場合は取り除いたまま*MutationErrorを返す。
// それ以外の失敗では通知を元の位置に戻す。
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	var (
		removed notification.Record
		found   bool
	)
	if i := e.indexLocked(id); i >= 0 {
		removed, found = e.items[i], true
		e.items = slices.Delete(e.items, i, i+1)
		if removed.Unread() {
			e.decrementLocked()
		}
	}
	e.beginLocked(id, OpDelete)
	e.mu.Unlock()

	err := e.api.Delete(ctx, id)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.endLocked(id, OpDelete)

	if err != nil {
		if found && !errors.Is(err, apperr.ErrNotFound) && e.indexLocked(id) < 0 {
			e.items = append(e.items, removed)
			sortNewestFirst(e.items)
			if removed.Unread() {
				e.unread++
			}
		}
		e.log.WithError(err).WithField("id", id).Warn("削除を確定できませんでした")
		return &MutationError{Op: OpDelete, ID: id, Err: err}
	}

	e.markStaleLocked()
	return nil
}

// beginLocked は変更操作の開始を記録し、実行中の取得結果を無効にする。
func (e *Engine) beginLocked(id string, op Op) {
	e.inflight++
	if op == OpDelete {
		e.deleting[id]++
	}
	e.itemsGen++
	e.countGen++
}

// endLocked は変更操作の完了を記録する。
func (e *Engine) endLocked(id string, op Op) {
	e.inflight--
	if op == OpDelete {
		if e.deleting[id]--; e.deleting[id] <= 0 {
			delete(e.deleting, id)
		}
	}
}

func (e *Engine) decrementLocked() {
	if e.unread > 0 {
		e.unread--
	}
}

func (e *Engine) indexLocked(id string) int {
	return slices.IndexFunc(e.items, func(r notification.Record) bool { return r.ID == id })
}

// sortNewestFirst は作成日時の降順、同時刻はIDの降順に並べる。
func sortNewestFirst(items []notification.Record) {
	slices.SortStableFunc(items, func(a, b notification.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
