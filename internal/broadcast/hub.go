package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/dealerhub/pkg/logging"
)

// DefaultQueueSize は購読者ごとの送信キューの既定長。
const DefaultQueueSize = 16

// Hub はスコープごとの購読者にシグナルを配る、プロセス内のファンアウト。
// 配信は最大1回で順序を保証しない。送信キューが満杯の購読者へのシグナルは破棄する。
type Hub struct {
	mu     sync.RWMutex
	scopes map[string]map[*Subscription]struct{}
	log    *log.Entry
}

// NewHub は空のHubを生成する。
func NewHub() *Hub {
	return &Hub{
		scopes: make(map[string]map[*Subscription]struct{}),
		log:    logging.Component("broadcast"),
	}
}

// Subscription は1つの購読者を表す。Cから受信したJSONをそのまま送信する。
type Subscription struct {
	hub   *Hub
	scope string
	send  chan []byte
	once  sync.Once
}

// C は購読者宛てのシグナル（JSON）を受信するチャネルを返す。
// 購読解除後にクローズされる。
func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Scope は購読しているスコープを返す。
func (s *Subscription) Scope() string {
	return s.scope
}

// Close は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Subscribe はスコープを購読する。queueSizeが0以下の場合はDefaultQueueSizeを使う。
func (h *Hub) Subscribe(scope string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &Subscription{hub: h, scope: scope, send: make(chan []byte, queueSize)}

	h.mu.Lock()
	subs, ok := h.scopes[scope]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.scopes[scope] = subs
	}
	subs[sub] = struct{}{}
	n := len(subs)
	h.mu.Unlock()

	connectedClients.WithLabelValues(scope).Inc()
	h.log.WithFields(log.Fields{"scope": scope, "clients": n}).Debug("購読を開始しました")
	return sub
}

// unsubscribe は購読者を取り除き、送信チャネルをクローズする。
func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if subs, ok := h.scopes[sub.scope]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.scopes, sub.scope)
		}
	}
	close(sub.send)
	h.mu.Unlock()

	connectedClients.WithLabelValues(sub.scope).Dec()
	h.log.WithField("scope", sub.scope).Debug("購読を解除しました")
}

// Publish はスコープの全購読者にシグナルを配る。ブロックしない。
func (h *Hub) Publish(_ context.Context, sig Signal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		h.log.WithError(err).Error("シグナルのシリアライズに失敗しました")
		return
	}
	h.deliver(sig.Scope, sig.Reason, payload)
}

// deliver はシリアライズ済みのシグナルをスコープの購読者に配る。
func (h *Hub) deliver(scope string, reason Reason, payload []byte) {
	signalsPublished.WithLabelValues(string(reason)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.scopes[scope] {
		select {
		case sub.send <- payload:
		default:
			// 未送信のシグナルが残っているため、このシグナルは合流させて破棄する
			signalsDropped.WithLabelValues(scope).Inc()
		}
	}
}

// Clients はスコープの購読者数を返す。
func (h *Hub) Clients(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes[scope])
}
