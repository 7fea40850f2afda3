package authflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL matches the authorization code timeout.
const DefaultTTL = 15 * time.Minute

// InMemoryRepo is a thread-safe Repo whose entries expire after the TTL, so abandoned
// logins do not accumulate.
type InMemoryRepo struct {
	mu    sync.Mutex
	flows *gocache.Cache
}

var _ Repo = (*InMemoryRepo)(nil)

func NewInMemoryRepo(ttl time.Duration) *InMemoryRepo {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryRepo{flows: gocache.New(ttl, time.Minute)}
}

func (r *InMemoryRepo) Save(state string, flow *Flow) error {
	if state == "" {
		return errors.Wrapf(errors.ErrInvalidArgument, "[authflow Save] state cannot be empty")
	}
	if flow == nil {
		return errors.Wrapf(errors.ErrInvalidArgument, "[authflow Save] flow cannot be nil")
	}

	if flow.ID == uuid.Nil {
		flow.ID = uuid.New()
	}
	f := *flow

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows.SetDefault(state, &f)
	return nil
}

func (r *InMemoryRepo) Take(state string) (*Flow, error) {
	if state == "" {
		return nil, errors.Wrapf(errors.ErrFlowNotFound, "[authflow Take] empty state")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.flows.Get(state)
	if !ok {
		return nil, errors.Wrapf(errors.ErrFlowNotFound, "[authflow Take]")
	}
	r.flows.Delete(state)

	f := *v.(*Flow)
	return &f, nil
}
