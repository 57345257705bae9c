// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rightfit/fieldsync/fieldapi"
)

// DefaultRequestTimeout bounds each backend call; a timeout is classified
// as a transient failure.
const DefaultRequestTimeout = 30 * time.Second

// Gateway is the client to the backend REST API. It is the external
// collaborator of the sync core: JSON over HTTPS, bearer-token
// authenticated, {"data": ...} envelopes.
type Gateway struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
	logger  *slog.Logger
}

// NewGateway creates a gateway with a fixed request timeout. timeout <= 0
// uses DefaultRequestTimeout.
func NewGateway(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
		Tokens:  tokens,
		logger:  logger,
	}
}

// ListProperties fetches the authoritative property collection.
func (g *Gateway) ListProperties(ctx context.Context) ([]fieldapi.Property, error) {
	var out []fieldapi.Property
	if err := g.do(ctx, http.MethodGet, "/api/properties", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListWorkOrders fetches the authoritative work-order collection.
func (g *Gateway) ListWorkOrders(ctx context.Context) ([]fieldapi.WorkOrder, error) {
	var out []fieldapi.WorkOrder
	if err := g.do(ctx, http.MethodGet, "/api/work-orders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListContractors fetches the authoritative contractor collection.
func (g *Gateway) ListContractors(ctx context.Context) ([]fieldapi.Contractor, error) {
	var out []fieldapi.Contractor
	if err := g.do(ctx, http.MethodGet, "/api/contractors", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProperty creates a property from a schemaless field payload.
func (g *Gateway) CreateProperty(ctx context.Context, payload map[string]any) (*fieldapi.Property, error) {
	var out fieldapi.Property
	if err := g.do(ctx, http.MethodPost, "/api/properties", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProperty applies a partial update to a server-known property.
func (g *Gateway) UpdateProperty(ctx context.Context, id string, payload map[string]any) (*fieldapi.Property, error) {
	var out fieldapi.Property
	if err := g.do(ctx, http.MethodPatch, "/api/properties/"+id, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateWorkOrder creates a work order from a schemaless field payload.
func (g *Gateway) CreateWorkOrder(ctx context.Context, payload map[string]any) (*fieldapi.WorkOrder, error) {
	var out fieldapi.WorkOrder
	if err := g.do(ctx, http.MethodPost, "/api/work-orders", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWorkOrder applies a partial update to a server-known work order.
func (g *Gateway) UpdateWorkOrder(ctx context.Context, id string, payload map[string]any) (*fieldapi.WorkOrder, error) {
	var out fieldapi.WorkOrder
	if err := g.do(ctx, http.MethodPatch, "/api/work-orders/"+id, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorkOrder deletes a server-known work order.
func (g *Gateway) DeleteWorkOrder(ctx context.Context, id string) error {
	return g.do(ctx, http.MethodDelete, "/api/work-orders/"+id, nil, nil)
}

// DeleteProperty deletes a server-known property.
func (g *Gateway) DeleteProperty(ctx context.Context, id string) error {
	return g.do(ctx, http.MethodDelete, "/api/properties/"+id, nil, nil)
}

// UploadPhoto uploads the binary at localURI together with its metadata as
// multipart form data. The caller persists localURI before any network
// attempt, so the asset survives a crash mid-flight and can be re-uploaded
// from disk by the sync engine.
func (g *Gateway) UploadPhoto(ctx context.Context, payload map[string]any, localURI string) (*fieldapi.Photo, error) {
	file, err := os.Open(localURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open photo %s: %w", localURI, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	meta, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal photo metadata: %w", err)
	}
	if err := writer.WriteField("meta", string(meta)); err != nil {
		return nil, fmt.Errorf("failed to write metadata field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(localURI))
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read photo %s: %w", localURI, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	var out fieldapi.Photo
	if err := g.doRaw(ctx, http.MethodPost, "/api/photos", &body, writer.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a JSON request and decodes the {"data": ...} envelope into out.
func (g *Gateway) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return g.doRaw(ctx, method, path, body, contentType, out)
}

// doRaw sends one request, retrying exactly once after a token refresh on
// 401. A 401 that survives the refresh is a permanent auth error.
func (g *Gateway) doRaw(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	token, err := g.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	resp, err := g.send(ctx, method, path, bodyBytes, contentType, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		token, err = g.Tokens.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("token refresh failed: %w", fieldapi.ErrAuth)
		}
		resp, err = g.send(ctx, method, path, bodyBytes, contentType, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return fmt.Errorf("request unauthorized after refresh: %w", fieldapi.ErrAuth)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remote := &fieldapi.RemoteError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = json.Unmarshal(raw, &remote.Body)
		if remote.Body.Text() == "" && len(raw) > 0 {
			remote.Body.Message = string(raw)
		}
		return remote
	}

	if out == nil {
		drain(resp)
		return nil
	}
	var envelope fieldapi.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, method, path string, body []byte, contentType, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
