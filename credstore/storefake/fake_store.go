package storefake

import (
	"context"
	"sync"

	"github.com/jrsteele09/sentinel-auth/credstore"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
)

var _ credstore.Store = (*FakeStore)(nil)

// FakeStore is an in-memory Store. It keeps the serialized payload, like the real
// backends, so every Load returns a fresh record.
type FakeStore struct {
	lock    sync.Mutex
	payload []byte

	saveErr  error
	loadErr  error
	clearErr error

	saves  int
	loads  int
	clears int

	afterLoad func(r *token.Record)
}

func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

// NewFakeStoreWith returns a store already holding r.
func NewFakeStoreWith(r *token.Record) *FakeStore {
	s := NewFakeStore()
	payload, err := token.Marshal(r)
	if err != nil {
		panic(err)
	}
	s.payload = payload
	return s
}

func (s *FakeStore) Save(_ context.Context, r *token.Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	payload, err := token.Marshal(r)
	if err != nil {
		return err
	}
	s.payload = payload
	return nil
}

func (s *FakeStore) Load(_ context.Context) (*token.Record, error) {
	r, hook, err := s.load()
	if hook != nil {
		hook(r)
	}
	return r, err
}

func (s *FakeStore) load() (*token.Record, func(*token.Record), error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.afterLoad, s.loadErr
	}
	if s.payload == nil {
		return nil, s.afterLoad, nil
	}
	r, err := token.Unmarshal(s.payload)
	if err != nil {
		return nil, s.afterLoad, nil
	}
	return r, s.afterLoad, nil
}

// AfterLoad installs fn to run after every Load has read the payload and before it
// returns, outside the store lock. Tests use it to hold a reader between its read
// and its use of the result.
func (s *FakeStore) AfterLoad(fn func(r *token.Record)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.afterLoad = fn
}

func (s *FakeStore) Clear(_ context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clears++
	if s.clearErr != nil {
		return s.clearErr
	}
	s.payload = nil
	return nil
}

// SetRaw stores payload verbatim, e.g. to simulate corruption.
func (s *FakeStore) SetRaw(payload []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.payload = payload
}

// Current returns the stored record without counting as a Load.
func (s *FakeStore) Current() *token.Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.payload == nil {
		return nil
	}
	r, _ := token.Unmarshal(s.payload)
	return r
}

// FailWith makes Save, Load and Clear fail with errors.ErrStorageUnavailable when
// fail is true.
func (s *FakeStore) FailWith(fail bool) {
	var err error
	if fail {
		err = errors.Wrapf(errors.ErrStorageUnavailable, "[FakeStore] simulated failure")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.saveErr, s.loadErr, s.clearErr = err, err, err
}

// FailSave makes only Save fail with err.
func (s *FakeStore) FailSave(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.saveErr = err
}

// FailClear makes only Clear fail with err.
func (s *FakeStore) FailClear(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clearErr = err
}

// Counts returns the number of Save, Load and Clear calls.
func (s *FakeStore) Counts() (saves, loads, clears int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.saves, s.loads, s.clears
}
