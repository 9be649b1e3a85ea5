// Package store provides persistent storage for redemption codes and the
// lifecycle fields the redemption state machine adjudicates against.
//
// Three backends implement CodeStore: an in-memory map for local runs and
// tests, a DynamoDB single-table store for the Lambda deployment, and a
// PostgreSQL store for self-hosted deployments. All of them implement the
// conditional writes the state machine relies on (activate only when unused,
// set a result only when none is present) so that a lost race is reported
// as ErrConditionFailed rather than silently overwriting state.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle status of a code. It only moves forward.
type Status string

const (
	StatusUnused Status = "unused"
	StatusUsed   Status = "used"
)

// ErrConditionFailed is returned by conditional writes whose precondition
// no longer holds (the code was activated or given a result concurrently).
var ErrConditionFailed = errors.New("store: condition failed")

// ArtifactRef points at one normalized image persisted for a code.
type ArtifactRef struct {
	Role     string `json:"role" dynamodbav:"role"`
	Key      string `json:"key" dynamodbav:"key"`
	MIMEType string `json:"mimeType" dynamodbav:"mimeType"`
}

// Code is a redemption code record.
type Code struct {
	Code         string          `json:"code"`
	Status       Status          `json:"status"`
	DeviceID     string          `json:"deviceId,omitempty"`
	ActivatedAt  *time.Time      `json:"activatedAt,omitempty"`
	ResultCache  json.RawMessage `json:"resultCache,omitempty"`
	ArtifactRefs []ArtifactRef   `json:"artifactRefs,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// HasResult reports whether an analysis result is cached on the code.
func (c *Code) HasResult() bool {
	return len(c.ResultCache) > 0
}

// Clone returns a deep copy so callers cannot mutate backend state.
func (c *Code) Clone() *Code {
	if c == nil {
		return nil
	}
	out := *c
	if c.ActivatedAt != nil {
		t := *c.ActivatedAt
		out.ActivatedAt = &t
	}
	if c.ResultCache != nil {
		out.ResultCache = append(json.RawMessage(nil), c.ResultCache...)
	}
	if c.ArtifactRefs != nil {
		out.ArtifactRefs = append([]ArtifactRef(nil), c.ArtifactRefs...)
	}
	return &out
}

// CodeStore defines the persistence interface for redemption codes.
// Each method is safe for concurrent use.
//
// GetCode returns (nil, nil) when the code does not exist. Mutating methods
// never create a record implicitly; only CreateCode does.
type CodeStore interface {
	// GetCode retrieves a code by its normalized value. Returns nil, nil if not found.
	GetCode(ctx context.Context, code string) (*Code, error)

	// CreateCode inserts an unused code. Returns false if it already exists.
	CreateCode(ctx context.Context, code string, createdAt time.Time) (bool, error)

	// ActivateCode binds deviceID and sets activatedAt, transitioning the code
	// from unused to used. Returns ErrConditionFailed if the code is not unused.
	ActivateCode(ctx context.Context, code, deviceID string, at time.Time) error

	// RebindDevice replaces the bound device of a used code.
	RebindDevice(ctx context.Context, code, deviceID string) error

	// SetResult stores the analysis result and artifact references. Returns
	// ErrConditionFailed if the code is not used or already has a result.
	SetResult(ctx context.Context, code string, result json.RawMessage, refs []ArtifactRef) error

	// ListActivatedBefore returns every code activated strictly before cutoff.
	ListActivatedBefore(ctx context.Context, cutoff time.Time) ([]*Code, error)

	// DeleteCode removes a code. Deleting a missing code is not an error.
	DeleteCode(ctx context.Context, code string) error
}
