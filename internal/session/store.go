package session

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// shardCount trades memory for contention; updates on different ids only
// block each other when they hash to the same shard.
const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// Store is a concurrent registry of active call sessions keyed by call id.
// There is no global lock; each shard guards its own slice of the keyspace.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty session store.
func NewStore() *Store {
	st := &Store{}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[string]*CallSession)}
	}
	return st
}

func (st *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return st.shards[h.Sum32()%shardCount]
}

// Create atomically registers a new session in StateCreated. Two concurrent
// creates for the same id cannot both succeed; the loser gets
// ErrAlreadyExists.
func (st *Store) Create(id, phoneNumber string, variables map[string]string) (*CallSession, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[id]; exists {
		return nil, ErrAlreadyExists
	}

	vars := make(map[string]string, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	sess := &CallSession{
		ID:          id,
		PhoneNumber: phoneNumber,
		State:       StateCreated,
		Variables:   vars,
		CustomData:  make(map[string]string),
		CreatedAt:   time.Now(),
	}
	sh.sessions[id] = sess

	slog.Info("[SessionStore] Session created", "call_id", id, "phone_number", phoneNumber)
	return sess.clone(), nil
}

// Get returns a copy of the session, or ErrNotFound.
func (st *Store) Get(id string) (*CallSession, error) {
	sh := st.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

// GetByCallID resolves a session through the telephony call identifier.
// Session id and call id are unified in this deployment, so this is a
// secondary name for the same lookup; it exists so the contract survives a
// future split of the two identifiers.
func (st *Store) GetByCallID(callID string) (*CallSession, error) {
	return st.Get(callID)
}

// Update applies mutate to the live session under its shard lock, so all
// mutations for one id are serialized. mutate returning an error leaves the
// session unchanged only if mutate itself did not touch it; state-machine
// callers apply transitions through Apply and bail before mutating on
// rejection. Returns a copy of the session after mutation.
func (st *Store) Update(id string, mutate func(*CallSession) error) (*CallSession, error) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := mutate(sess); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// End removes the session, stamps EndedAt and stops any attached relay.
// Idempotent: ending an unknown or already-ended id is a no-op. Returns the
// final snapshot and whether a session was actually removed.
func (st *Store) End(id string) (*CallSession, bool) {
	sh := st.shardFor(id)
	sh.mu.Lock()
	sess, ok := sh.sessions[id]
	if !ok {
		sh.mu.Unlock()
		return nil, false
	}
	delete(sh.sessions, id)
	sess.EndedAt = time.Now()
	r := sess.relay
	sess.relay = nil
	final := sess.clone()
	sh.mu.Unlock()

	// Stop outside the shard lock; Stop only cancels and closes.
	if r != nil {
		r.Stop()
	}

	slog.Info("[SessionStore] Session ended",
		"call_id", id,
		"state", final.State.String(),
		"duration", final.EndedAt.Sub(final.CreatedAt).Round(time.Millisecond))
	return final, true
}

// List returns a point-in-time copy of all sessions, ordered by creation
// time. Each shard is only locked for the duration of its snapshot copy.
func (st *Store) List() []*CallSession {
	var out []*CallSession
	for _, sh := range st.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			out = append(out, sess.clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of active sessions.
func (st *Store) Count() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// CloseAll ends every session. Used during shutdown.
func (st *Store) CloseAll() {
	for _, sess := range st.List() {
		st.End(sess.ID)
	}
}
