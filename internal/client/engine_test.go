package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/dealerhub/pkg/apperr"
)

// setupEngine はn件の未読通知を持つfakeAPIとEngineを生成する。
func setupEngine(t *testing.T, n int) (*Engine, *fakeAPI) {
	t.Helper()

	api := &fakeAPI{}
	api.add(n)
	e := NewEngine(api, "staff", 20)
	e.now = func() time.Time { return baseTime.Add(time.Hour) }
	return e, api
}

// syncEngine は接続して初回の再取得を済ませる。
func syncEngine(t *testing.T, e *Engine) {
	t.Helper()

	e.OnConnect()
	pending(e)
	require.NoError(t, e.Refresh(context.Background()))
	require.Equal(t, StateSynced, e.View().State)
}

// pending は再取得要求が溜まっていれば取り出してtrueを返す。
func pending(e *Engine) bool {
	select {
	case <-e.Invalidated():
		return true
	default:
		return false
	}
}

func TestEngineStateTransitions(t *testing.T) {
	t.Parallel()

	t.Run("接続と再接続でDisconnected/Connected/Stale/Syncedを遷移すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, _ := setupEngine(t, 2)
		assert.Equal(t, StateDisconnected, e.View().State)

		e.OnSignal()
		assert.Equal(t, StateDisconnected, e.View().State, "切断中のシグナルは無視されること")
		assert.False(t, pending(e))

		e.OnConnect()
		assert.Equal(t, StateConnected, e.View().State)
		assert.True(t, pending(e), "未取得なら初回の再取得を要求すること")

		require.NoError(t, e.Refresh(ctx))
		assert.Equal(t, StateSynced, e.View().State)
		assert.Equal(t, 2, e.View().Unread)

		e.OnSignal()
		assert.Equal(t, StateStale, e.View().State)
		assert.True(t, pending(e))

		require.NoError(t, e.Refresh(ctx))
		assert.Equal(t, StateSynced, e.View().State)

		e.OnDisconnect()
		assert.Equal(t, StateDisconnected, e.View().State)

		e.OnConnect()
		assert.Equal(t, StateStale, e.View().State, "再接続は必ずStaleを経由すること")
		assert.True(t, pending(e))

		require.NoError(t, e.Refresh(ctx))
		assert.Equal(t, StateSynced, e.View().State)
	})

	t.Run("再取得中にシグナルを受信した場合はStaleのままになること", func(t *testing.T) {
		t.Parallel()

		e, api := setupEngine(t, 1)
		syncEngine(t, e)

		g := api.blockNextFetch()
		errCh := make(chan error, 1)
		go func() { errCh <- e.Refresh(context.Background()) }()
		<-g.entered

		e.OnSignal()
		close(g.release)
		require.NoError(t, <-errCh)

		assert.Equal(t, StateStale, e.View().State)
		assert.True(t, pending(e), "もう一度の再取得が要求されていること")
	})

	t.Run("接続前に取得済みでも初回接続でStaleを経由すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 2)
		require.NoError(t, e.Refresh(ctx))
		require.Len(t, e.View().Items, 2)

		api.add(3)
		e.OnConnect()
		assert.Equal(t, StateStale, e.View().State, "接続までのシグナルを取りこぼしている可能性があること")
		assert.True(t, pending(e))

		require.NoError(t, e.Refresh(ctx))
		v := e.View()
		assert.Equal(t, StateSynced, v.State)
		assert.Len(t, v.Items, 5)
		assert.Equal(t, 5, v.Unread)
	})

	t.Run("切断中の再取得は状態を変えずにキャッシュだけ更新すること", func(t *testing.T) {
		t.Parallel()

		e, _ := setupEngine(t, 3)
		require.NoError(t, e.Refresh(context.Background()))

		v := e.View()
		assert.Equal(t, StateDisconnected, v.State)
		assert.Len(t, v.Items, 3)
		assert.Equal(t, 3, v.Unread)
	})
}

func TestEngineRefresh(t *testing.T) {
	t.Parallel()

	t.Run("後続の取得に追い越されたレスポンスは破棄されること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 2)
		syncEngine(t, e)

		g := api.blockNextFetch()
		errCh := make(chan error, 1)
		go func() { errCh <- e.Refresh(ctx) }()
		<-g.entered

		api.add(1)
		require.NoError(t, e.Refresh(ctx))
		require.Len(t, e.View().Items, 3)

		close(g.release)
		err := <-errCh
		require.ErrorIs(t, err, apperr.ErrStaleResponse)

		v := e.View()
		assert.Len(t, v.Items, 3, "古いページで上書きされないこと")
		assert.Equal(t, 3, v.Unread)
	})

	t.Run("再接続後に取りこぼした通知へ重複なく追いつくこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 2)
		syncEngine(t, e)

		e.OnDisconnect()
		api.add(3)
		e.OnSignal()

		e.OnConnect()
		require.True(t, pending(e))
		require.NoError(t, e.Refresh(ctx))

		v := e.View()
		assert.Equal(t, StateSynced, v.State)
		assert.Equal(t, 5, v.Unread)
		require.Len(t, v.Items, 5)
		seen := make(map[string]struct{})
		for _, id := range ids(v.Items) {
			seen[id] = struct{}{}
		}
		assert.Len(t, seen, 5, "同じ通知が2回現れないこと")
		assert.Equal(t, []string{"n005", "n004", "n003", "n002", "n001"}, ids(v.Items))
	})

	t.Run("ページサイズを超える分はHasMoreで示されること", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{}
		api.add(5)
		e := NewEngine(api, "staff", 2)
		require.NoError(t, e.Refresh(context.Background()))

		v := e.View()
		assert.Equal(t, []string{"n005", "n004"}, ids(v.Items))
		assert.True(t, v.HasMore)
		assert.Equal(t, 5, v.Unread)
	})
}

// setupPagedEngine はn件の通知とページサイズ2のEngineを生成して同期する。
func setupPagedEngine(t *testing.T, n int) (*Engine, *fakeAPI) {
	t.Helper()

	api := &fakeAPI{}
	api.add(n)
	e := NewEngine(api, "staff", 2)
	e.now = func() time.Time { return baseTime.Add(time.Hour) }
	syncEngine(t, e)
	return e, api
}

func TestEngineLoadMore(t *testing.T) {
	t.Parallel()

	t.Run("続きのページを重複なく連結すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupPagedEngine(t, 5)
		require.Equal(t, []string{"n005", "n004"}, ids(e.View().Items))

		require.NoError(t, e.LoadMore(ctx))
		assert.Equal(t, []string{"n005", "n004", "n003", "n002"}, ids(e.View().Items))
		assert.True(t, e.View().HasMore)

		require.NoError(t, e.LoadMore(ctx))
		v := e.View()
		assert.Equal(t, []string{"n005", "n004", "n003", "n002", "n001"}, ids(v.Items))
		assert.False(t, v.HasMore)

		require.NoError(t, e.LoadMore(ctx), "続きがなければ何もしないこと")
		assert.Equal(t, 2, api.fetchAfterCount())
	})

	t.Run("未取得の場合は何もしないこと", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{}
		api.add(3)
		e := NewEngine(api, "staff", 2)

		require.NoError(t, e.LoadMore(context.Background()))
		assert.Empty(t, e.View().Items)
		assert.Zero(t, api.fetchAfterCount())
	})

	t.Run("再取得は読み込み済みの深さまで取り直すこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupPagedEngine(t, 5)
		require.NoError(t, e.LoadMore(ctx))
		require.Len(t, e.View().Items, 4)

		api.add(1)
		e.OnSignal()
		require.NoError(t, e.Refresh(ctx))

		v := e.View()
		assert.Equal(t, []string{"n006", "n005", "n004", "n003"}, ids(v.Items))
		assert.True(t, v.HasMore)
		assert.Equal(t, StateSynced, v.State)

		require.NoError(t, e.LoadMore(ctx))
		assert.Equal(t, []string{"n006", "n005", "n004", "n003", "n002", "n001"}, ids(e.View().Items))
	})

	t.Run("読み込み中にシグナルで再取得された場合は破棄して重複なく続きを読めること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupPagedEngine(t, 4)

		g := api.blockNextFetchAfter()
		errCh := make(chan error, 1)
		go func() { errCh <- e.LoadMore(ctx) }()
		<-g.entered

		api.add(2)
		e.OnSignal()
		require.NoError(t, e.Refresh(ctx))

		close(g.release)
		require.ErrorIs(t, <-errCh, apperr.ErrStaleResponse)
		assert.Equal(t, []string{"n006", "n005"}, ids(e.View().Items), "古い続きのページが混ざらないこと")

		require.NoError(t, e.LoadMore(ctx))
		require.NoError(t, e.LoadMore(ctx))

		v := e.View()
		assert.Equal(t, []string{"n006", "n005", "n004", "n003", "n002", "n001"}, ids(v.Items))
		assert.False(t, v.HasMore)
		assert.Equal(t, 6, v.Unread)
		assert.Equal(t, StateSynced, v.State)
	})

	t.Run("追加読み込みに追い越された再取得は破棄されて再取得を要求すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupPagedEngine(t, 4)
		e.OnSignal()
		require.True(t, pending(e))

		g := api.blockNextFetch()
		errCh := make(chan error, 1)
		go func() { errCh <- e.Refresh(ctx) }()
		<-g.entered

		require.NoError(t, e.LoadMore(ctx))
		assert.Len(t, e.View().Items, 4)

		close(g.release)
		require.ErrorIs(t, <-errCh, apperr.ErrStaleResponse)
		assert.Len(t, e.View().Items, 4, "浅い取得で追加ページが消えないこと")
		require.True(t, pending(e))

		require.NoError(t, e.Refresh(ctx))
		v := e.View()
		assert.Equal(t, []string{"n004", "n003", "n002", "n001"}, ids(v.Items))
		assert.Equal(t, StateSynced, v.State)
	})
}

func TestEngineRefreshUnread(t *testing.T) {
	t.Parallel()

	t.Run("件数が食い違う場合は反映して再取得を要求すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 2)
		syncEngine(t, e)

		api.add(1)
		require.NoError(t, e.RefreshUnread(ctx))

		v := e.View()
		assert.Equal(t, 3, v.Unread)
		assert.Equal(t, StateStale, v.State)
		assert.True(t, pending(e))

		require.NoError(t, e.Refresh(ctx))
		assert.Len(t, e.View().Items, 3)
	})

	t.Run("件数が一致する場合は何もしないこと", func(t *testing.T) {
		t.Parallel()

		e, _ := setupEngine(t, 2)
		syncEngine(t, e)

		require.NoError(t, e.RefreshUnread(context.Background()))
		assert.Equal(t, StateSynced, e.View().State)
		assert.False(t, pending(e))
	})
}

func TestEngineMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("楽観的に既読にしてサーバーで確定すること", func(t *testing.T) {
		t.Parallel()

		e, _ := setupEngine(t, 2)
		syncEngine(t, e)

		require.NoError(t, e.MarkRead(context.Background(), "n002"))

		v := e.View()
		assert.Equal(t, 1, v.Unread)
		require.NotNil(t, v.Items[0].ReadAt)
		assert.True(t, v.Items[0].ReadAt.Equal(baseTime.Add(24*time.Hour)), "サーバーの既読日時で確定すること")
		assert.Equal(t, StateStale, v.State)
		assert.True(t, pending(e))
	})

	t.Run("同時に2回既読にしても未読件数は1回だけ減ること", func(t *testing.T) {
		t.Parallel()

		e, api := setupEngine(t, 2)
		syncEngine(t, e)

		g := newGate()
		api.markReadGate = g

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = e.MarkRead(context.Background(), "n001")
			}()
		}
		<-g.entered
		<-g.entered
		assert.Equal(t, 1, e.View().Unread, "確定前から減っていること")

		close(g.release)
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, 1, e.View().Unread)
		assert.Equal(t, 2, api.markReads)
	})

	t.Run("確定に失敗した場合は元に戻すこと", func(t *testing.T) {
		t.Parallel()

		e, api := setupEngine(t, 2)
		syncEngine(t, e)
		api.markReadErr = apperr.ErrTransportLost

		err := e.MarkRead(context.Background(), "n001")
		var mErr *MutationError
		require.ErrorAs(t, err, &mErr)
		assert.Equal(t, OpMarkRead, mErr.Op)
		assert.Equal(t, "n001", mErr.ID)
		assert.ErrorIs(t, err, apperr.ErrTransportLost)

		v := e.View()
		assert.Equal(t, 2, v.Unread)
		assert.Nil(t, v.Items[1].ReadAt)
	})

	t.Run("サーバーに存在しない通知はキャッシュから取り除くこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 2)
		syncEngine(t, e)
		require.NoError(t, api.Delete(ctx, "n001"))

		err := e.MarkRead(ctx, "n001")
		require.ErrorIs(t, err, apperr.ErrNotFound)

		v := e.View()
		assert.Equal(t, []string{"n002"}, ids(v.Items))
		assert.Equal(t, 1, v.Unread)
	})

	t.Run("既読化より前に始まった再取得は破棄されること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 1)
		syncEngine(t, e)

		g := api.blockNextFetch()
		errCh := make(chan error, 1)
		go func() { errCh <- e.Refresh(ctx) }()
		<-g.entered

		require.NoError(t, e.MarkRead(ctx, "n001"))
		close(g.release)
		require.ErrorIs(t, <-errCh, apperr.ErrStaleResponse)

		v := e.View()
		assert.NotNil(t, v.Items[0].ReadAt, "未読に戻らないこと")
		assert.Equal(t, 0, v.Unread)
	})

	t.Run("確定待ちの間の再取得は既読と未読件数を巻き戻さないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 1)
		syncEngine(t, e)

		g := newGate()
		api.markReadGate = g
		errCh := make(chan error, 1)
		go func() { errCh <- e.MarkRead(ctx, "n001") }()
		<-g.entered

		require.NoError(t, e.Refresh(ctx))
		v := e.View()
		assert.NotNil(t, v.Items[0].ReadAt)
		assert.Equal(t, 0, v.Unread)

		close(g.release)
		require.NoError(t, <-errCh)
		assert.Equal(t, 0, e.View().Unread)
	})
}

func TestEngineDelete(t *testing.T) {
	t.Parallel()

	t.Run("通知を取り除いて未読件数を減らすこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		e, api := setupEngine(t, 3)
		syncEngine(t, e)

		require.NoError(t, e.Delete(ctx, "n002"))

		v := e.View()
		assert.Equal(t, []string{"n003", "n001"}, ids(v.Items))
		assert.Equal(t, 2, v.Unread)
		count, err := api.UnreadCount(ctx, "staff")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("確定に失敗した場合は元の位置に戻すこと", func(t *testing.T) {
		t.Parallel()

		e, api := setupEngine(t, 3)
		syncEngine(t, e)
		api.deleteErr = apperr.ErrTransportLost

		err := e.Delete(context.Background(), "n002")
		var mErr *MutationError
		require.ErrorAs(t, err, &mErr)
		assert.Equal(t, OpDelete, mErr.Op)

		v := e.View()
		assert.Equal(t, []string{"n003", "n002", "n001"}, ids(v.Items))
		assert.Equal(t, 3, v.Unread)
	})

	t.Run("サーバーに存在しない場合は取り除いたままエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		e, api := setupEngine(t, 2)
		syncEngine(t, e)
		api.deleteErr = apperr.ErrNotFound

		err := e.Delete(context.Background(), "n001")
		require.ErrorIs(t, err, apperr.ErrNotFound)
		var mErr *MutationError
		assert.True(t, errors.As(err, &mErr))

		v := e.View()
		assert.Equal(t, []string{"n002"}, ids(v.Items))
		assert.Equal(t, 1, v.Unread)
	})
}
