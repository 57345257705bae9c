// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

// Package fieldapi defines the wire contract between the field app and the
// RightFit backend REST API: entity models, response envelopes, and the
// error taxonomy used to decide whether a failed call is worth retrying.
package fieldapi

import (
	"encoding/json"
	"fmt"
	"time"
)

// REST/JSON models for HTTP API requests and responses.
// All endpoints wrap their result in a {"data": ...} envelope.

// Property represents a managed property as returned by the server.
type Property struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	City      string    `json:"city,omitempty"`
	Postcode  string    `json:"postcode,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// WorkOrder represents a maintenance work order.
type WorkOrder struct {
	ID           string    `json:"id"`
	PropertyID   string    `json:"property_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status,omitempty"`   // e.g. "open", "in_progress", "done"
	Priority     string    `json:"priority,omitempty"` // e.g. "low", "normal", "urgent"
	ContractorID string    `json:"contractor_id,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// Contractor represents a tradesperson assignable to work orders.
// Contractors are managed in the office dashboard and are read-only
// on the mobile side; the client only ever pulls them.
type Contractor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Trade string `json:"trade,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Photo represents an uploaded work-order photo. S3URL and ThumbnailURL are
// assigned by the server once the binary has been stored.
type Photo struct {
	ID           string    `json:"id"`
	WorkOrderID  string    `json:"work_order_id"`
	Caption      string    `json:"caption,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	S3URL        string    `json:"s3_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

// Envelope is the standard {"data": ...} response wrapper.
type Envelope struct {
	Data json.RawMessage `json:"data"`
}

// ErrorBody is the error response shape. Servers are inconsistent about
// which key carries the human-readable text, so both are accepted.
type ErrorBody struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (b ErrorBody) Text() string {
	if b.Message != "" {
		return b.Message
	}
	return b.Error
}

// FieldMap flattens a wire model into the schemaless field map used by the
// local store, dropping the server identity and timestamps (those live in
// dedicated record columns, not in the field payload).
func FieldMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity fields: %w", err)
	}
	delete(fields, "id")
	delete(fields, "created_at")
	delete(fields, "updated_at")
	return fields, nil
}
