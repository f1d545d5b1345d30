// Package main is a CI smoke test against a running sigma server.
//
// It checks:
//   - health and readiness probes
//   - identity onboarding (created or already present)
//   - the public prekey bundle
//   - push handshake with subprotocol selection
//   - a second push connection superseding the first
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const (
	pushSubprotocol = "sigma.push.v1"
	maxBodyBytes    = 1 << 20
)

type smoke struct {
	base    string
	token   string
	origin  string
	timeout time.Duration
	verbose bool
	client  *http.Client
}

func main() {
	var (
		base    = pflag.String("base", "http://127.0.0.1:8080", "sigma base URL")
		token   = pflag.String("token", os.Getenv("SIGMA_SMOKE_TOKEN"), "access token (default $SIGMA_SMOKE_TOKEN)")
		user    = pflag.String("user", "", "user id the token was issued for")
		origin  = pflag.String("origin", "http://localhost", "Origin header for the push handshake")
		timeout = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	if err := validateBaseURL(*base); err != nil {
		fatalf("invalid --base: %v", err)
	}
	if strings.TrimSpace(*token) == "" || strings.TrimSpace(*user) == "" {
		fatalf("--token and --user are required")
	}

	s := &smoke{
		base:    strings.TrimRight(*base, "/"),
		token:   strings.TrimSpace(*token),
		origin:  *origin,
		timeout: *timeout,
		verbose: *verbose,
		client:  &http.Client{Timeout: *timeout},
	}
	root := context.Background()

	s.mustStatus(root, http.MethodGet, "/healthz", false, http.StatusOK)
	s.mustStatus(root, http.MethodGet, "/readyz", false, http.StatusOK)
	s.mustStatus(root, http.MethodPost, "/v1/identity", true, http.StatusCreated, http.StatusConflict)
	s.mustStatus(root, http.MethodGet, "/v1/users/"+url.PathEscape(*user)+"/bundle", false, http.StatusOK)

	first := s.mustDial(root)
	second := s.mustDial(root)
	defer closeWS(second)

	ctx, cancel := context.WithTimeout(root, s.timeout)
	defer cancel()
	_, _, err := first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		fatalf("first push connection should be superseded, got: %v", err)
	}

	fmt.Printf("OK: base=%s user=%s\n", s.base, *user)
}

func (s *smoke) mustStatus(parent context.Context, method, path string, authed bool, want ...int) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, nil)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	for _, w := range want {
		if resp.StatusCode == w {
			if s.verbose {
				fmt.Printf("%s %s -> %d\n", method, path, resp.StatusCode)
			}
			return
		}
	}
	fatalf("%s %s: status %d (want %v): %s", method, path, resp.StatusCode, want, strings.TrimSpace(string(body)))
}

func (s *smoke) mustDial(parent context.Context) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.token)
	if s.origin != "" {
		h.Set("Origin", s.origin)
	}

	wsURL := "ws" + strings.TrimPrefix(s.base, "http") + "/ws"
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{pushSubprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if resp != nil {
			fatalf("push dial: status %d: %v", resp.StatusCode, err)
		}
		fatalf("push dial: %v", err)
	}
	if sp := conn.Subprotocol(); sp != pushSubprotocol {
		closeWS(conn)
		fatalf("push dial: subprotocol %q, want %q", sp, pushSubprotocol)
	}
	conn.SetReadLimit(maxBodyBytes)
	if s.verbose {
		fmt.Printf("push connected: %s\n", wsURL)
	}
	return conn
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
