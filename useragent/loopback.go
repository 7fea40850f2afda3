package useragent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const callbackPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Sentinel</title></head>
<body style="font-family: sans-serif"><p>%s</p><p>You may close this tab.</p></body></html>`

// LoopbackPrompter serves the redirect on a local HTTP listener and opens the system
// browser. It only supports http redirect URLs.
type LoopbackPrompter struct {
	// Open shows the URL to the user. Defaults to OpenBrowser.
	Open   func(u string) error
	Logger *zerolog.Logger
}

var _ Prompter = (*LoopbackPrompter)(nil)

func NewLoopbackPrompter(logger *zerolog.Logger) *LoopbackPrompter {
	return &LoopbackPrompter{Open: OpenBrowser, Logger: logger}
}

func (p *LoopbackPrompter) logger() *zerolog.Logger {
	if p.Logger == nil {
		return &log.Logger
	}
	return p.Logger
}

func (p *LoopbackPrompter) Prompt(ctx context.Context, authURL, redirectURL string) (string, error) {
	redirect, err := url.Parse(redirectURL)
	if err != nil {
		return "", errors.Wrapf(errors.Mark(err, errors.ErrUnsupportedRedirect), "[LoopbackPrompter Prompt]")
	}
	if redirect.Scheme != "http" || redirect.Host == "" {
		return "", errors.Wrapf(errors.ErrUnsupportedRedirect, "[LoopbackPrompter Prompt] %s is not a loopback redirect", redirectURL)
	}
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", errors.Wrapf(err, "[LoopbackPrompter Prompt] listen on %s", redirect.Host)
	}

	callbackCh := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		callback := *r.URL
		callback.Scheme = redirect.Scheme
		callback.Host = redirect.Host

		message := "Signed in to Sentinel."
		if r.URL.Query().Get("error") != "" {
			message = "Sign in did not complete."
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, callbackPage, message)

		select {
		case callbackCh <- callback.String():
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	open := p.Open
	if open == nil {
		open = OpenBrowser
	}
	p.logger().Debug().Str("callback", redirectURL).Msg("opening browser")
	if err := open(authURL); err != nil {
		// The user can still open the URL by hand.
		p.logger().Warn().Err(err).Str("url", authURL).Msg("could not open browser, open the URL manually")
	}

	select {
	case callback := <-callbackCh:
		return callback, nil
	case err := <-serveErr:
		return "", errors.Wrapf(err, "[LoopbackPrompter Prompt] serve")
	case <-ctx.Done():
		return "", errors.Wrapf(errors.Mark(ctx.Err(), errors.ErrAuthCancelled), "[LoopbackPrompter Prompt]")
	}
}
