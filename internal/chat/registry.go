package chat

import (
	"errors"
	"sync"
)

// ErrPeerClosed はクローズ済みの接続への送信を表す。
var ErrPeerClosed = errors.New("peer closed")

// Key は接続登録のキー。同じ利用者でも商品ごとに別の接続として扱う。
type Key struct {
	UserID    string
	ProductID string
}

// Peer はイベントの送信先となる1本の接続。
// Sendはブロックせず、Close後の呼び出しはErrPeerClosedを返すだけで副作用を持たない。
type Peer interface {
	Send(e Event) error
	Close()
}

// Registry はKeyごとに現在有効な接続を1本だけ保持する。
// 複数の接続のゴルーチンから同時に呼ばれる。
type Registry struct {
	mu    sync.Mutex
	peers map[Key]Peer
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{peers: make(map[Key]Peer)}
}

// Register はkeyにpeerを登録する。
// 既に別の接続が登録されていた場合はそれを置き換えて返す。呼び出し側で閉じること。
func (r *Registry) Register(key Key, peer Peer) (superseded Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.peers[key]
	r.peers[key] = peer
	if !ok || prev == peer {
		return nil
	}
	return prev
}

// Unregister はpeerがkeyの現在の登録である場合に限り登録を解除する。
// 新しい接続に置き換え済みの場合は何もせずfalseを返す。
func (r *Registry) Unregister(key Key, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.peers[key]; ok && cur == peer {
		delete(r.peers, key)
		return true
	}
	return false
}

// Lookup はkeyに登録されている接続を返す。
func (r *Registry) Lookup(key Key) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[key]
	return p, ok
}

// Count は登録中の接続数を返す。
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.peers)
}

// CloseAll は全ての登録を解除し、各接続を閉じる。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for key, p := range r.peers {
		peers = append(peers, p)
		delete(r.peers, key)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
