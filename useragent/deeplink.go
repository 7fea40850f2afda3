package useragent

import (
	"context"
	"strings"
	"sync"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
)

// DeepLinkPrompter is for hosts that receive the redirect through a registered custom
// URL scheme. The host's link handler passes incoming URLs to Deliver.
type DeepLinkPrompter struct {
	Open func(u string) error

	mu      sync.Mutex
	pending map[string]chan string
}

var _ Prompter = (*DeepLinkPrompter)(nil)

func NewDeepLinkPrompter(open func(u string) error) *DeepLinkPrompter {
	return &DeepLinkPrompter{Open: open, pending: map[string]chan string{}}
}

func (p *DeepLinkPrompter) Prompt(ctx context.Context, authURL, redirectURL string) (string, error) {
	ch := make(chan string, 1)
	p.mu.Lock()
	if p.pending == nil {
		p.pending = map[string]chan string{}
	}
	p.pending[redirectURL] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending[redirectURL] == ch {
			delete(p.pending, redirectURL)
		}
		p.mu.Unlock()
	}()

	if p.Open != nil {
		if err := p.Open(authURL); err != nil {
			return "", errors.Wrapf(err, "[DeepLinkPrompter Prompt] open")
		}
	}

	select {
	case callback := <-ch:
		return callback, nil
	case <-ctx.Done():
		return "", errors.Wrapf(errors.Mark(ctx.Err(), errors.ErrAuthCancelled), "[DeepLinkPrompter Prompt]")
	}
}

// Deliver hands an incoming link to the waiting Prompt call whose redirect URL it
// starts with. It reports whether a prompt was waiting.
func (p *DeepLinkPrompter) Deliver(rawURL string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for redirect, ch := range p.pending {
		if strings.HasPrefix(rawURL, redirect) {
			select {
			case ch <- rawURL:
				return true
			default:
			}
		}
	}
	return false
}
