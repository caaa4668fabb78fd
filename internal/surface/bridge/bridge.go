// Package bridge drives browser sessions hosted by a sidecar process over its
// JSON HTTP API.
//
// The sidecar exposes:
//
//	POST   /sessions                  -> {"id": "..."}
//	POST   /sessions/{id}/navigate    {"url": "..."}
//	GET    /sessions/{id}/state       -> surface.Snapshot
//	POST   /sessions/{id}/click       {"target": surface.Target}
//	POST   /sessions/{id}/hover       {"point": surface.Point}
//	POST   /sessions/{id}/fill        {"target": surface.Target, "value": "..."}
//	POST   /sessions/{id}/evidence    {"label": "..."} -> {"ref": "..."}
//	DELETE /sessions/{id}
//
// Failures come back as a non-2xx status with {"error": "..."}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/surface"
)

// Error is a failure reported by the sidecar.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sidecar: status %d", e.Status)
	}
	return fmt.Sprintf("sidecar: %s (status=%d)", e.Message, e.Status)
}

// ErrNotFound matches sidecar errors for unknown sessions or targets.
var ErrNotFound = errors.New("not found")

func (e *Error) Is(target error) bool { return target == ErrNotFound && e.Status == http.StatusNotFound }

type Client struct {
	hc   *http.Client
	base string
	log  zerolog.Logger
}

// New returns a client for the sidecar at baseURL. timeout bounds each call.
func New(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		hc:   &http.Client{Timeout: timeout},
		base: strings.TrimRight(baseURL, "/"),
		log:  log.With().Str("component", "bridge").Logger(),
	}
}

// Open starts a new browser session.
func (c *Client) Open(ctx context.Context) (surface.Surface, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/sessions", struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if out.ID == "" {
		return nil, errors.New("open session: sidecar returned no id")
	}
	c.log.Debug().Str("session", out.ID).Msg("session opened")
	return &Session{c: c, id: out.ID}, nil
}

// Ping checks that the sidecar answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Session is one sidecar-hosted browser session.
type Session struct {
	c  *Client
	id string
}

func (s *Session) ID() string { return s.id }

func (s *Session) path(op string) string {
	p := "/sessions/" + url.PathEscape(s.id)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	return s.c.call(ctx, http.MethodPost, s.path("navigate"), map[string]string{"url": rawURL}, nil)
}

func (s *Session) ReadState(ctx context.Context) (surface.Snapshot, error) {
	var snap surface.Snapshot
	err := s.c.call(ctx, http.MethodGet, s.path("state"), nil, &snap)
	return snap, err
}

func (s *Session) Click(ctx context.Context, t surface.Target) error {
	return s.c.call(ctx, http.MethodPost, s.path("click"), map[string]any{"target": t}, nil)
}

func (s *Session) Hover(ctx context.Context, p surface.Point) error {
	return s.c.call(ctx, http.MethodPost, s.path("hover"), map[string]any{"point": p}, nil)
}

func (s *Session) Fill(ctx context.Context, field surface.Target, value string) error {
	return s.c.call(ctx, http.MethodPost, s.path("fill"), map[string]any{"target": field, "value": value}, nil)
}

func (s *Session) CaptureEvidence(ctx context.Context, label string) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	if err := s.c.call(ctx, http.MethodPost, s.path("evidence"), map[string]string{"label": label}, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// Close ends the session. It runs on its own short deadline so it still
// happens after the caller's context is gone.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.c.call(ctx, http.MethodDelete, s.path(""), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	status, b, err := c.do(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		var r struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(b, &r)
		return &Error{Status: status, Message: r.Error}
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
