package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/repovault/repovault/internal/admin"
)

// adminClient talks to the admin interface of a running node.
type adminClient struct {
	base   string
	actor  string
	client *http.Client
}

// apiError is a non-2xx reply from the admin interface.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Code)
}

// newAdminClient targets --admin, or admin.listen from the config.
func newAdminClient() (*adminClient, error) {
	addr := adminAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Admin.Listen
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &adminClient{
		base:   strings.TrimSuffix(addr, "/"),
		actor:  actor,
		client: &http.Client{Timeout: 10 * time.Minute}, // backups and purges block
	}, nil
}

// do sends in as JSON (when non-nil) and decodes the reply into out (when non-nil).
func (c *adminClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(admin.ActorHeader, c.actor)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp admin.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
			return &apiError{Code: resp.StatusCode, Message: errResp.Message}
		}
		return &apiError{Code: resp.StatusCode, Message: resp.Status}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
