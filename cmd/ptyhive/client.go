package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"ptyhive/internal/config"
)

// clientFlags maps config keys to the flags of commands that talk to a
// running server.
var clientFlags = map[string]string{
	"server.addr":  "server",
	"server.token": "token",
}

// serverURL turns a listen address or URL into a URL with the given
// scheme ("http" or "ws") that a client on this machine can dial.
func serverURL(scheme, addr string) (*url.URL, error) {
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parse server address: %w", err)
		}
		secure := u.Scheme == "https" || u.Scheme == "wss"
		switch {
		case scheme == "ws" && secure:
			u.Scheme = "wss"
		case scheme == "http" && secure:
			u.Scheme = "https"
		default:
			u.Scheme = scheme
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
		return u, nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse server address %q: %w", addr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)}, nil
}

func authHeader(cfg config.Config) http.Header {
	h := http.Header{}
	if cfg.Server.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Server.Token)
	}
	return h
}

// getJSON fetches path from the server's REST API into v.
func getJSON(cfg config.Config, path string, v any) error {
	base, err := serverURL("http", cfg.Server.Addr)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, base.String()+path, nil)
	if err != nil {
		return err
	}
	req.Header = authHeader(cfg)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
