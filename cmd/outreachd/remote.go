package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"outreach/internal/domain"
)

// opsClient drives a running daemon through its ops API.
type opsClient struct {
	base string
	http *http.Client
}

// daemonClient returns a client for the process behind err, or err itself
// when that process cannot be reached.
func daemonClient(err error) (*opsClient, error) {
	var owned *ownerError
	if !errors.As(err, &owned) {
		return nil, err
	}
	if owned.lease.Addr == "" {
		return nil, fmt.Errorf("%w; it has no ops api, stop it or enable http", err)
	}
	logger.Info("forwarding to running daemon", "pid", owned.lease.PID, "addr", owned.lease.Addr)
	return newOpsClient(owned.lease.Addr), nil
}

// newOpsClient targets addr, a listen address such as ":9470". Wildcard
// hosts are reached over loopback.
func newOpsClient(addr string) *opsClient {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	return &opsClient{
		base: "http://" + host,
		// Execute waits for the send and the CRM update.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// do sends body as JSON and decodes the response into out when its status
// is one of want.
func (c *opsClient) do(ctx context.Context, method, path string, body, out any, want ...int) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ops api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if !slices.Contains(want, resp.StatusCode) {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("ops api %s %s: HTTP %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("ops api %s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ops api response: %w", err)
	}
	return nil
}

func (c *opsClient) execute(ctx context.Context, req domain.OutreachRequest) (domain.OutreachResult, error) {
	var res domain.OutreachResult
	err := c.do(ctx, http.MethodPost, "/outreach", req, &res, http.StatusOK, http.StatusAccepted)
	return res, err
}

func (c *opsClient) drain(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/queue/drain", nil, nil, http.StatusAccepted)
}

func (c *opsClient) clear(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/queue", nil, &out, http.StatusOK)
	return out.Removed, err
}
