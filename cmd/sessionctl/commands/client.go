package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/overlaymesh/sessiond/internal/session"
)

// errNotFound is returned when the admin surface responds 404, e.g. for an
// unknown handle.
var errNotFound = errors.New("not found")

// apiClient is a thin wrapper around the sessiond admin HTTP surface
// (internal/adminapi): plain JSON over HTTP, no RPC framework involved.
type apiClient struct {
	baseURL string
	http *http.Client
}

func newAPIClient(addr string, hc *http.Client) *apiClient {
	return &apiClient{baseURL: "http://" + addr, http: hc}
}

type handlesResponse struct {
	Handles []uint32 `json:"handles"`
}

// ListHandles queries GET /api/v1/handles.
func (c *apiClient) ListHandles(ctx context.Context) ([]uint32, error) {
	var out handlesResponse
	if err := c.getJSON(ctx, "/api/v1/handles", &out); err != nil {
		return nil, err
	}
	return out.Handles, nil
}

// SessionStats queries GET /api/v1/sessions/{handle}.
func (c *apiClient) SessionStats(ctx context.Context, handle uint32) (session.HandleSnapshot, error) {
	var out session.HandleSnapshot
	path := fmt.Sprintf("/api/v1/sessions/%d", handle)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return session.HandleSnapshot{}, err
	}
	return out, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
