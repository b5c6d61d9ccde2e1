package client

// State はプッシュ接続とキャッシュの同期状態。
type State int

const (
	// StateDisconnected はプッシュ接続が無い状態。キャッシュはポーリングでのみ更新される。
	StateDisconnected State = iota
	// StateConnected はプッシュ接続を確立した直後の状態。
	StateConnected
	// StateStale はシグナルを受信し、再取得を待っている状態。
	StateStale
	// StateSynced は最新の再取得が完了した状態。
	StateSynced
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateStale:
		return "Stale"
	case StateSynced:
		return "Synced"
	default:
		return "Unknown"
	}
}
