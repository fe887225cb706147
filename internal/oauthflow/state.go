package oauthflow

import "fmt"

// State is the lifecycle position of one (principal, provider) credential.
type State int

const (
	// StateUnauthenticated means no usable credential exists; consent is required.
	StateUnauthenticated State = iota
	// StateExchanging means an authorization code is being exchanged.
	StateExchanging
	// StateActive means a usable credential is stored.
	StateActive
	// StateRefreshing means a refresh grant is in flight.
	StateRefreshing
	// StateFailed means the provider rejected the client itself. It is not
	// retried automatically.
	StateFailed
)

var stateNames = [...]string{
	StateUnauthenticated: "unauthenticated",
	StateExchanging:      "exchanging",
	StateActive:          "active",
	StateRefreshing:      "refreshing",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
