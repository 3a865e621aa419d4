// SPDX-License-Identifier: MIT
//
// Package httpcall provides the built-in External_Call handler: an HTTP GET
// against a URL taken from the node's parameters or inputs. The response
// body is exposed under every declared output name.
package httpcall

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/morphgrid/registry"
)

// maxBodyBytes caps how much of a response is pulled into a value.
const maxBodyBytes = 1 << 20

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client overrides the default HTTP client. Tests point this at a
	// httptest server.
	Client *http.Client
}

// Register binds this package's handler references.
func (m *Module) Register(h *registry.Handlers) {
	client := m.Client
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	h.Register("external/http_get", get(client))
}

func get(client *http.Client) registry.Handler {
	return func(ctx context.Context, req registry.HandlerRequest) (*registry.HandlerResult, error) {
		url, err := resolveURL(req)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("http_get: %w", err)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http_get %s: %w", url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("http_get %s: reading body: %w", url, err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("http_get %s: status %d", url, resp.StatusCode)
		}

		outputs := make(map[string]cty.Value, len(req.Outputs))
		for _, name := range req.Outputs {
			outputs[name] = cty.StringVal(string(body))
		}
		return &registry.HandlerResult{
			Outputs: outputs,
			Metrics: map[string]float64{"status_code": float64(resp.StatusCode)},
		}, nil
	}
}

// resolveURL takes the target from the "url" parameter, falling back to a
// "url" input so upstream nodes can compute it.
func resolveURL(req registry.HandlerRequest) (string, error) {
	if v, ok := req.Params["url"]; ok && v.Type() == cty.String {
		return v.AsString(), nil
	}
	if v, ok := req.Inputs["url"]; ok && v.Type() == cty.String {
		return v.AsString(), nil
	}
	return "", fmt.Errorf("http_get: no url parameter or input")
}
