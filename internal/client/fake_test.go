package client

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nao1215/dealerhub/internal/notification"
	"github.com/nao1215/dealerhub/pkg/apperr"
	"github.com/nao1215/dealerhub/pkg/event"
)

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// gate はテスト側が解放するまで呼び出しを止める。
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeAPI はメモリ上の通知を正とするテスト用API。
type fakeAPI struct {
	mu      sync.Mutex
	records []notification.Record
	seq     int

	fetchGate    *gate
	afterGate    *gate
	markReadGate *gate
	markReadErr  error
	deleteErr    error

	fetches   int
	afters    int
	markReads int
}

var _ API = (*fakeAPI)(nil)

// add はサーバー側に未読の通知を追記する。
func (f *fakeAPI) add(n int) []notification.Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	added := make([]notification.Record, 0, n)
	for range n {
		f.seq++
		r := notification.Record{
			ID:        fmt.Sprintf("n%03d", f.seq),
			Scope:     "staff",
			Type:      event.TypeOrderPlaced,
			Kind:      event.KindOrderPlaced,
			Message:   fmt.Sprintf("注文 #%d が登録されました", f.seq),
			CreatedAt: baseTime.Add(time.Duration(f.seq) * time.Minute),
		}
		f.records = append(f.records, r)
		added = append(added, r)
	}
	sortNewestFirst(f.records)
	return added
}

// blockNextFetch は次のFetchPageを解放されるまで止める。
func (f *fakeAPI) blockNextFetch() *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchGate = newGate()
	return f.fetchGate
}

func (f *fakeAPI) FetchPage(ctx context.Context, _ string, page, size int) (FeedPage, error) {
	f.mu.Lock()
	f.fetches++
	g := f.fetchGate
	f.fetchGate = nil
	start := min((page-1)*size, len(f.records))
	end := min(start+size, len(f.records))
	snapshot := FeedPage{
		Items:   cloneRecords(f.records[start:end]),
		HasMore: end < len(f.records),
	}
	f.mu.Unlock()

	if g != nil {
		if err := g.wait(ctx); err != nil {
			return FeedPage{}, err
		}
	}
	return snapshot, nil
}

// blockNextFetchAfter は次のFetchAfterを解放されるまで止める。
func (f *fakeAPI) blockNextFetchAfter() *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterGate = newGate()
	return f.afterGate
}

// FetchAfter は呼び出し時点のサーバー側の通知からカーソルより古いものを返す。
func (f *fakeAPI) FetchAfter(ctx context.Context, _ string, cursor string, size int) (FeedPage, error) {
	c, err := notification.ParseCursor(cursor)
	if err != nil {
		return FeedPage{}, err
	}

	f.mu.Lock()
	f.afters++
	g := f.afterGate
	f.afterGate = nil
	start := slices.IndexFunc(f.records, func(r notification.Record) bool {
		return r.CreatedAt.UnixMilli() < c.CreatedAt || (r.CreatedAt.UnixMilli() == c.CreatedAt && r.ID < c.ID)
	})
	if start < 0 {
		start = len(f.records)
	}
	end := min(start+size, len(f.records))
	snapshot := FeedPage{
		Items:   cloneRecords(f.records[start:end]),
		HasMore: end < len(f.records),
	}
	f.mu.Unlock()

	if g != nil {
		if err := g.wait(ctx); err != nil {
			return FeedPage{}, err
		}
	}
	return snapshot, nil
}

func (f *fakeAPI) UnreadCount(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.records {
		if r.Unread() {
			n++
		}
	}
	return n, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, id string) (notification.Record, error) {
	f.mu.Lock()
	f.markReads++
	g := f.markReadGate
	f.mu.Unlock()

	if g != nil {
		if err := g.wait(ctx); err != nil {
			return notification.Record{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return notification.Record{}, f.markReadErr
	}
	for i, r := range f.records {
		if r.ID != id {
			continue
		}
		if r.ReadAt == nil {
			at := baseTime.Add(24 * time.Hour)
			f.records[i].ReadAt = &at
		}
		return f.records[i], nil
	}
	return notification.Record{}, apperr.ErrNotFound
}

func (f *fakeAPI) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i, r := range f.records {
		if r.ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (f *fakeAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeAPI) fetchAfterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afters
}

func cloneRecords(rs []notification.Record) []notification.Record {
	out := make([]notification.Record, len(rs))
	for i, r := range rs {
		if r.ReadAt != nil {
			at := *r.ReadAt
			r.ReadAt = &at
		}
		out[i] = r
	}
	return out
}

// ids は通知IDの一覧を返す。
func ids(rs []notification.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
