package session

import (
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/jrsteele09/sentinel-auth/users"
)

// Status is the session's position in the state machine.
type Status string

const (
	StatusUnauthenticated Status = "Unauthenticated"
	StatusAuthenticated   Status = "Authenticated"
	StatusRefreshing      Status = "Refreshing"
	StatusError           Status = "Error"
)

// Statuses lists every status, e.g. for metric labels.
var Statuses = []string{
	string(StatusUnauthenticated),
	string(StatusAuthenticated),
	string(StatusRefreshing),
	string(StatusError),
}

// State is a snapshot of the session published to observers.
type State struct {
	Status Status
	User   *users.User   // Set when Authenticated or Refreshing
	Token  *token.Record // Current record, if any
	Err    error         // Reason for StatusError
}

func (s State) Authenticated() bool {
	return s.Status == StatusAuthenticated
}
