// Package useragent drives the interactive part of a login: showing the provider's
// authorization page to the user and capturing the redirect back.
package useragent

import "context"

// Prompter shows authURL to the user and returns the full callback URL the provider
// redirected to. It returns when the callback arrives or ctx is done.
type Prompter interface {
	Prompt(ctx context.Context, authURL, redirectURL string) (string, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, authURL, redirectURL string) (string, error)

func (f PromptFunc) Prompt(ctx context.Context, authURL, redirectURL string) (string, error) {
	return f(ctx, authURL, redirectURL)
}
