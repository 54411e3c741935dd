// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package adapter persists the internal objects of the embedded OIDC engine
// (sessions, interactions, grants, codes and tokens) as opaque, expiring
// records.
//
// Every operation is a single read-modify-write of at most one live record,
// found by its primary id or by a property of its payload (uid, userCode or
// grantId). Backends provide the transactional primitive, UpdateUnique; the
// Adapter layers the engine verbs on top of it and asserts that each update
// callback runs exactly once.
package adapter

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks -source=adapter.go Backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// Payload properties that records can be looked up by.
const (
	PropertyUID      = "uid"
	PropertyUserCode = "userCode"
	PropertyGrantID  = "grantId"

	// PropertyConsumed is set by Consume.
	PropertyConsumed = "consumed"
)

// MaxExpiresIn bounds the lifetime of a record.
const MaxExpiresIn = 100 * 365 * 24 * time.Hour

// fallbackExpiresIn replaces a lifetime that is out of bounds.
const fallbackExpiresIn = 24 * time.Hour

// ErrIntegrityViolation matches every integrity violation raised by the
// adapter and its backends: several live records matching a unique lookup,
// an update callback run zero or several times, or an insert through a
// secondary lookup. It is never downgraded to a soft error.
var ErrIntegrityViolation = apierrors.NewIntegrityViolationError("protocol state integrity violation", nil)

func integrityViolation(format string, args ...any) error {
	return apierrors.NewIntegrityViolationError(fmt.Sprintf(format, args...), nil)
}

// Payload is the opaque JSON object owned by the engine.
type Payload map[string]any

// NewPayload converts v to a Payload through its JSON encoding.
func NewPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return p, nil
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// StringValue returns the property key as a string, or "" when it is not one.
func (p Payload) StringValue(key string) string {
	s, _ := p[key].(string)
	return s
}

// Consumed reports whether the record was consumed.
func (p Payload) Consumed() bool {
	v, ok := p[PropertyConsumed]
	return ok && v != nil && v != false
}

func (p Payload) clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Record is a stored engine object.
type Record struct {
	Payload   Payload
	ExpiresAt time.Time
}

// Lookup selects the record of an update: by primary id, or by the value of
// a payload property.
type Lookup struct {
	ID       string
	Property string
	Value    string
}

// ByID looks up a record by primary id.
func ByID(id string) Lookup {
	return Lookup{ID: id}
}

// ByProperty looks up the record whose payload has property set to value.
func ByProperty(property, value string) Lookup {
	return Lookup{Property: property, Value: value}
}

// IsSecondary reports whether the lookup is by payload property.
func (l Lookup) IsSecondary() bool {
	return l.ID == ""
}

func (l Lookup) String() string {
	if l.IsSecondary() {
		return fmt.Sprintf("%s=%q", l.Property, l.Value)
	}
	return fmt.Sprintf("id=%q", l.ID)
}

func (l Lookup) validate() error {
	if !l.IsSecondary() {
		return nil
	}
	switch l.Property {
	case PropertyUID, PropertyUserCode, PropertyGrantID:
	default:
		return fmt.Errorf("unsupported lookup property %q", l.Property)
	}
	if l.Value == "" {
		return fmt.Errorf("empty value for lookup property %q", l.Property)
	}
	return nil
}

// UpdateFunc receives the live record matching a lookup, or nil when there is
// none, and returns the record to store, or nil to delete it.
type UpdateFunc func(old *Record) (*Record, error)

// Backend is the transactional primitive the adapter is built on.
type Backend interface {
	// UpdateUnique finds the live (unexpired) record of model matching lookup
	// and calls fn with it, or with nil, inside one transaction. A non-nil
	// result is stored under the record's id (the lookup id when there was no
	// record); a nil result deletes the record and returning old itself leaves
	// it untouched. Several live matches fail with
	// ErrIntegrityViolation without calling fn, as does storing a new record
	// found through a secondary lookup.
	UpdateUnique(ctx context.Context, model string, lookup Lookup, fn UpdateFunc) error

	// Close releases the resources of the backend.
	Close() error
}

// Adapter implements the engine's persistence verbs over a Backend.
type Adapter struct {
	backend Backend
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the clock used to compute expiry times.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// New creates an Adapter over backend.
func New(backend Backend, opts ...Option) *Adapter {
	a := &Adapter{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close closes the backend.
func (a *Adapter) Close() error {
	return a.backend.Close()
}

// AtomicUpdate runs updater exactly once on the live record of model matching
// lookup and returns the record that is stored afterwards, or nil. A nil
// updater leaves the record as it is. The backend running the callback zero
// or several times is an integrity violation.
func (a *Adapter) AtomicUpdate(ctx context.Context, model string, lookup Lookup, updater UpdateFunc) (*Record, error) {
	if err := lookup.validate(); err != nil {
		return nil, err
	}

	calls := 0
	var updated *Record
	err := a.backend.UpdateUnique(ctx, model, lookup, func(old *Record) (*Record, error) {
		calls++
		if calls > 1 {
			return nil, integrityViolation("update of %s %s called more than once", model, lookup)
		}
		if updater == nil {
			updated = old
			return old, nil
		}
		rec, err := updater(old)
		if err != nil {
			return nil, err
		}
		updated = rec
		return rec, nil
	})
	if err != nil {
		if apierrors.IsIntegrityViolation(err) {
			logger.Errorw("protocol state integrity violation", "model", model, "lookup", lookup.String(), "error", err)
		}
		return nil, err
	}
	if calls != 1 {
		err := integrityViolation("update of %s %s called %d times", model, lookup, calls)
		logger.Errorw("protocol state integrity violation", "model", model, "lookup", lookup.String(), "error", err)
		return nil, err
	}
	return updated, nil
}

// Upsert stores payload under id for expiresIn. A lifetime that is negative
// or longer than MaxExpiresIn is reported and replaced with one day.
func (a *Adapter) Upsert(ctx context.Context, model, id string, payload Payload, expiresIn time.Duration) error {
	if id == "" {
		return fmt.Errorf("id of %s is required", model)
	}
	if expiresIn < 0 || expiresIn > MaxExpiresIn {
		logger.Warnw("record lifetime out of bounds, using fallback",
			"model", model, "id", id, "expires_in", expiresIn, "fallback", fallbackExpiresIn)
		expiresIn = fallbackExpiresIn
	}
	rec := &Record{Payload: payload.clone(), ExpiresAt: a.now().Add(expiresIn)}
	_, err := a.AtomicUpdate(ctx, model, ByID(id), func(*Record) (*Record, error) {
		return rec, nil
	})
	return err
}

// Find returns the payload of the live record of model with id, or nil.
func (a *Adapter) Find(ctx context.Context, model, id string) (Payload, error) {
	return a.find(ctx, model, ByID(id))
}

// FindByUserCode returns the payload of the live record with userCode, or nil.
func (a *Adapter) FindByUserCode(ctx context.Context, model, userCode string) (Payload, error) {
	return a.find(ctx, model, ByProperty(PropertyUserCode, userCode))
}

// FindByUID returns the payload of the live record with uid, or nil.
func (a *Adapter) FindByUID(ctx context.Context, model, uid string) (Payload, error) {
	return a.find(ctx, model, ByProperty(PropertyUID, uid))
}

func (a *Adapter) find(ctx context.Context, model string, lookup Lookup) (Payload, error) {
	rec, err := a.AtomicUpdate(ctx, model, lookup, nil)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Payload.clone(), nil
}

// Consume marks the record of model with id as consumed. The record is kept
// until it expires so that replays can be detected.
func (a *Adapter) Consume(ctx context.Context, model, id string) error {
	consumedAt := a.now().Unix()
	_, err := a.AtomicUpdate(ctx, model, ByID(id), func(old *Record) (*Record, error) {
		if old == nil {
			return nil, nil
		}
		payload := old.Payload.clone()
		if payload == nil {
			payload = Payload{}
		}
		payload[PropertyConsumed] = consumedAt
		return &Record{Payload: payload, ExpiresAt: old.ExpiresAt}, nil
	})
	return err
}

// Destroy deletes the record of model with id.
func (a *Adapter) Destroy(ctx context.Context, model, id string) error {
	_, err := a.AtomicUpdate(ctx, model, ByID(id), deleteRecord)
	return err
}

// RevokeByGrantID deletes the record of model issued under grantID.
func (a *Adapter) RevokeByGrantID(ctx context.Context, model, grantID string) error {
	_, err := a.AtomicUpdate(ctx, model, ByProperty(PropertyGrantID, grantID), deleteRecord)
	return err
}

func deleteRecord(*Record) (*Record, error) {
	return nil, nil
}
