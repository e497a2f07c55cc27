// Package resolver maps a raw thread identifier from navigation onto an
// execution-native id and/or a persistent-store id.
package resolver

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/syncstate"
	"github.com/google/uuid"
)

// ErrStale is returned when a newer resolution started before this one
// finished. The stale result is discarded.
var ErrStale = errors.New("resolution superseded by a newer thread id")

// Resolution is the outcome of resolving a raw identifier.
type Resolution struct {
	RawID        string
	ExecutionID  string
	PersistentID string
	// ReadOnly marks a persistent-only thread: no execution id is linked yet.
	ReadOnly bool
}

// Empty reports whether no thread is active.
func (r Resolution) Empty() bool {
	return r.ExecutionID == "" && r.PersistentID == ""
}

// IsPersistentID reports whether raw has the persistent store's id format
// (a canonical 36 character UUID).
func IsPersistentID(raw string) bool {
	if len(raw) != 36 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}

// Resolver resolves raw ids. Each call to Resolve takes a new token; only the
// call holding the latest token may update Current.
type Resolver struct {
	api   persistent.API
	state *syncstate.Store

	mu      sync.Mutex
	latest  uint64
	current Resolution
}

// New returns a resolver. api may be nil when no persistent store is configured.
func New(api persistent.API, state *syncstate.Store) *Resolver {
	return &Resolver{api: api, state: state}
}

// Current returns the last applied resolution.
func (r *Resolver) Current() Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Resolve classifies raw. The local mappings are read first in both
// directions; only a persistent-format id with no mapping reaches the
// persistent store. Persistent store failures never surface: the raw id is
// used as the execution id instead. ErrStale is returned when another Resolve
// began after this one.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Resolution, error) {
	token := r.begin()
	res := r.classify(ctx, raw)
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	return r.apply(token, res)
}

func (r *Resolver) begin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest++
	return r.latest
}

func (r *Resolver) apply(token uint64, res Resolution) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token != r.latest {
		log.Debug("Discarding stale thread resolution", "rawId", res.RawID)
		return Resolution{}, ErrStale
	}
	r.current = res
	return res, nil
}

func (r *Resolver) classify(ctx context.Context, raw string) Resolution {
	if raw == "" {
		return Resolution{}
	}

	// Execution ids may share the persistent id format, so a known execution
	// id is recognized before any lookup by persistent id.
	asExecution := Resolution{RawID: raw, ExecutionID: raw}
	if r.state != nil {
		if pid, ok, err := r.state.LookupPersistent(ctx, raw); err != nil {
			log.Warn("Identity mapping lookup failed", "executionId", raw, "err", err)
		} else if ok {
			asExecution.PersistentID = pid
		}
	}
	if asExecution.PersistentID != "" || !IsPersistentID(raw) {
		return asExecution
	}

	if r.state != nil {
		if eid, ok, err := r.state.LookupExecution(ctx, raw); err != nil {
			log.Warn("Identity mapping lookup failed", "persistentId", raw, "err", err)
		} else if ok {
			return Resolution{RawID: raw, ExecutionID: eid, PersistentID: raw}
		}
	}

	if r.api == nil {
		return asExecution
	}

	record, err := r.api.GetThread(ctx, raw)
	switch {
	case persistent.IsNotFound(err):
		log.Debug("No persisted thread for id; treating as execution id", "id", raw)
		return asExecution
	case persistent.IsUnavailable(err):
		return asExecution
	case err != nil:
		log.Warn("Persisted thread lookup failed; treating as execution id", "id", raw, "err", err)
		return asExecution
	}

	if r.state != nil {
		if roles := record.ParticipantRoles(); len(roles) > 0 {
			if err := r.state.SaveParticipants(ctx, raw, roles); err != nil {
				log.Warn("Failed to store participants", "persistentId", raw, "err", err)
			}
		}
	}

	linked := record.LinkedExecutionID()
	if linked == "" {
		return Resolution{RawID: raw, PersistentID: raw, ReadOnly: true}
	}
	if r.state != nil {
		if err := r.state.PutMapping(ctx, linked, raw); err != nil {
			log.Warn("Failed to store identity mapping", "executionId", linked, "persistentId", raw, "err", err)
		}
	}
	return Resolution{RawID: raw, ExecutionID: linked, PersistentID: raw}
}
