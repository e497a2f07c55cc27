// Package syncstate keeps the client-side durable records of the sync engine:
// identity mappings, synced message ids, file snapshots and participant ids.
// Records live in a localstore.Store; identity mappings are additionally held
// in an in-process ristretto cache since they are read on every thread open.
package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	prefixExecToPersistent = "mapping/exec/"
	prefixPersistentToExec = "mapping/persistent/"
	prefixSynced           = "synced/"
	prefixFiles            = "files/"
	prefixParticipants     = "participants/"
)

// Store provides typed access to sync records.
type Store struct {
	kv    localstore.Store
	cache *ristretto.Cache[string, string]
}

// New wraps kv. cacheSize bounds the number of cached mapping entries.
func New(kv localstore.Store, cacheSize int64) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("syncstate: mapping cache: %w", err)
	}
	return &Store{kv: kv, cache: cache}, nil
}

// Close releases the cache. The underlying local store is owned by the caller.
func (s *Store) Close() {
	s.cache.Close()
}

// LookupPersistent returns the persistent id mapped to an execution id.
func (s *Store) LookupPersistent(ctx context.Context, executionID string) (string, bool, error) {
	return s.lookup(ctx, prefixExecToPersistent+executionID)
}

// LookupExecution returns the execution id mapped to a persistent id.
func (s *Store) LookupExecution(ctx context.Context, persistentID string) (string, bool, error) {
	return s.lookup(ctx, prefixPersistentToExec+persistentID)
}

func (s *Store) lookup(ctx context.Context, key string) (string, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, true, nil
	}
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	v := string(data)
	s.cache.Set(key, v, 1)
	return v, true, nil
}

// PutMapping records executionID ↔ persistentID in both directions.
func (s *Store) PutMapping(ctx context.Context, executionID, persistentID string) error {
	if executionID == "" || persistentID == "" {
		return fmt.Errorf("syncstate: mapping requires both ids")
	}
	fwd, rev := prefixExecToPersistent+executionID, prefixPersistentToExec+persistentID
	if err := s.kv.Set(ctx, fwd, []byte(persistentID)); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, rev, []byte(executionID)); err != nil {
		return err
	}
	s.cache.Set(fwd, persistentID, 1)
	s.cache.Set(rev, executionID, 1)
	s.cache.Wait()
	return nil
}

// SyncedIDs returns the set of message ids already acknowledged by the
// persistent store for an execution thread.
func (s *Store) SyncedIDs(ctx context.Context, executionID string) (map[string]struct{}, error) {
	var ids []string
	if err := s.getJSON(ctx, prefixSynced+executionID, &ids); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// SaveSyncedIDs replaces the synced id set for an execution thread.
func (s *Store) SaveSyncedIDs(ctx context.Context, executionID string, ids map[string]struct{}) error {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)
	return s.setJSON(ctx, prefixSynced+executionID, list)
}

// MarkSynced adds ids to the stored synced set (read-modify-write).
func (s *Store) MarkSynced(ctx context.Context, executionID string, ids ...string) error {
	current, err := s.SyncedIDs(ctx, executionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		current[id] = struct{}{}
	}
	return s.SaveSyncedIDs(ctx, executionID, current)
}

// FileSnapshot returns the encoded last-synced file snapshot, or nil.
func (s *Store) FileSnapshot(ctx context.Context, executionID string) ([]byte, error) {
	data, ok, err := s.kv.Get(ctx, prefixFiles+executionID)
	if err != nil || !ok {
		return nil, err
	}
	return data, nil
}

// SaveFileSnapshot stores an encoded snapshot as the last synced one.
func (s *Store) SaveFileSnapshot(ctx context.Context, executionID string, encoded []byte) error {
	return s.kv.Set(ctx, prefixFiles+executionID, encoded)
}

// Participants returns the role → participant id map of a persisted thread.
func (s *Store) Participants(ctx context.Context, persistentID string) (map[model.Role]string, error) {
	out := map[model.Role]string{}
	if err := s.getJSON(ctx, prefixParticipants+persistentID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveParticipants stores the role → participant id map of a persisted thread.
func (s *Store) SaveParticipants(ctx context.Context, persistentID string, roles map[model.Role]string) error {
	return s.setJSON(ctx, prefixParticipants+persistentID, roles)
}

// EncodeFiles produces the canonical encoding used for snapshot comparison.
// encoding/json sorts map keys, so equal snapshots encode to equal bytes.
func EncodeFiles(files model.Files) ([]byte, error) {
	if files == nil {
		files = model.Files{}
	}
	return json.Marshal(files)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("syncstate: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, data)
}
