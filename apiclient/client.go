package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/users"
)

// MePath returns the signed-in user's profile.
const MePath = "/auth/me/"

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client is a JSON client for the Sentinel API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL whose requests carry the session's token.
func New(baseURL string, session Session) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Transport: &Transport{Session: session},
		Timeout:   30 * time.Second,
	})
}

// NewWithHTTPClient uses client as is; its transport is expected to authenticate.
func NewWithHTTPClient(baseURL string, client *http.Client) *Client {
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: client}
}

// GetJSON fetches path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrapf(err, "[apiclient GetJSON]")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "[apiclient GetJSON] %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "[apiclient GetJSON] decode %s", path)
	}
	return nil
}

// Me returns the profile the API holds for the signed-in user.
func (c *Client) Me(ctx context.Context) (*users.User, error) {
	var u users.User
	if err := c.GetJSON(ctx, MePath, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// errorMessage extracts "detail" or "message" from a JSON error body, falling back to
// the status text.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return http.StatusText(resp.StatusCode)
}
