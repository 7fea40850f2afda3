// Package authflow keeps the pending state of interactive logins between the
// authorization redirect and the callback.
package authflow

import (
	"time"

	"github.com/google/uuid"
)

// Flow is everything needed to complete one authorization-code exchange.
type Flow struct {
	// ID correlates the log lines of one login attempt; the state itself is secret.
	ID          uuid.UUID
	ProviderID  string
	Verifier    string
	Nonce       string
	RedirectURL string
	CreatedAt   time.Time
}

// Repo stores pending flows keyed by the OAuth state parameter.
type Repo interface {
	// Save stores a copy of flow, assigning flow.ID first when it is unset.
	Save(state string, flow *Flow) error
	// Take returns and removes the flow. A state can be taken once.
	Take(state string) (*Flow, error)
}
