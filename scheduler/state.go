package scheduler

// State is where a certificate record sits in its lifecycle.
type State int

const (
	StateInitial State = iota
	StateSelfSigned
	StateOrdering
	StateAuthorizing
	StateFinalizing
	StateDownloading
	StateLive
	StateFailed
	StateExpired
	StateRevoking
)

var stateNames = map[State]string{
	StateInitial:     "INITIAL",
	StateSelfSigned:  "SELF_SIGNED",
	StateOrdering:    "ORDERING",
	StateAuthorizing: "AUTHORIZING",
	StateFinalizing:  "FINALIZING",
	StateDownloading: "DOWNLOADING",
	StateLive:        "LIVE",
	StateFailed:      "FAILED",
	StateExpired:     "EXPIRED",
	StateRevoking:    "REVOKING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// InOrder reports whether the record currently holds an in-flight ACME
// order, the window the concurrency cap counts.
func (s State) InOrder() bool {
	switch s {
	case StateOrdering, StateAuthorizing, StateFinalizing, StateDownloading:
		return true
	}
	return false
}
