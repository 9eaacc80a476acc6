// Package registry holds the SessionRegistry: the scheduler's map from a
// model-session id to its SessionInfo, plus the secondary indices the
// control loop and RPC handlers need to walk sessions by backend or
// frontend without scanning the whole table.
package registry

import (
	"sort"
	"sync"

	"github.com/uwsaml/nexus/controlpb"
	"github.com/uwsaml/nexus/ewma"
)

// SessionInfo is the scheduler's authoritative record for one routing
// unit: the head session plus any prefix-sharing siblings, the backends
// currently serving it, its subscriber set, and the rolling rps history
// the epoch loop reschedules from.
type SessionInfo struct {
	// ModelSessions is the head (index 0) plus prefix-shared siblings.
	ModelSessions []controlpb.ModelSession

	// BackendThroughputs maps backend node id -> throughput this backend
	// contributes to the session.
	BackendThroughputs map[uint32]float64

	// BackupBackends is the set of backend ids holding a backup copy.
	BackupBackends map[uint32]bool

	// Subscribers is the set of frontend node ids routing to this session.
	Subscribers map[uint32]bool

	// RpsHistory is the bounded per-epoch rps history used by the epoch
	// scheduler's mean/stddev estimate.
	RpsHistory *ewma.History

	// UnassignedWorkload is residual rps not yet placed on any backend.
	UnassignedWorkload float64

	// HasStaticWorkload marks a session as pinned by the static workload
	// table; it is never torn down by subscriber loss alone.
	HasStaticWorkload bool
}

// HeadSessionID returns the routing key of the head model session.
func (si *SessionInfo) HeadSessionID() string {
	if len(si.ModelSessions) == 0 {
		return ""
	}
	return si.ModelSessions[0].SessionID()
}

// TotalThroughput returns the sum of all backend contributions, the
// invariant the scheduler maintains equal to Σ backend_throughputs.
func (si *SessionInfo) TotalThroughput() float64 {
	var total float64
	for _, t := range si.BackendThroughputs {
		total += t
	}
	return total
}

// newSessionInfo builds an empty SessionInfo for a freshly-seen head
// session, with an rps history sized per the beacon/epoch configuration.
func newSessionInfo(head controlpb.ModelSession, historyLen int) *SessionInfo {
	return &SessionInfo{
		ModelSessions:      []controlpb.ModelSession{head},
		BackendThroughputs: make(map[uint32]float64),
		BackupBackends:     make(map[uint32]bool),
		Subscribers:        make(map[uint32]bool),
		RpsHistory:         ewma.NewHistory(historyLen),
	}
}

// Registry is the SessionRegistry: sessions indexed by session id, with
// secondary indices by backend and frontend id. All methods assume the
// caller already holds the scheduler's single mutex; Registry itself adds
// only an internal lock for defensive safety under concurrent test use.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*SessionInfo
	byBackend  map[uint32]map[string]bool
	byFrontend map[uint32]map[string]bool
}

// New returns an empty SessionRegistry.
func New() *Registry {
	return &Registry{
		sessions:   make(map[string]*SessionInfo),
		byBackend:  make(map[uint32]map[string]bool),
		byFrontend: make(map[uint32]map[string]bool),
	}
}

// Get returns the SessionInfo for sessionID, if present.
func (r *Registry) Get(sessionID string) (*SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[sessionID]
	return si, ok
}

// GetOrCreate returns the existing SessionInfo for head's session id, or
// creates a new one with the given history length if none exists. The
// bool result reports whether a new SessionInfo was created.
func (r *Registry) GetOrCreate(head controlpb.ModelSession, historyLen int) (*SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := head.SessionID()
	if si, ok := r.sessions[id]; ok {
		return si, false
	}
	si := newSessionInfo(head, historyLen)
	r.sessions[id] = si
	return si, true
}

// AttachSibling adds sibling as a prefix-sharing member of the session
// rooted at headSessionID, keyed under its own sibling id for lookup.
func (r *Registry) AttachSibling(headSessionID string, sibling controlpb.ModelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[headSessionID]
	if !ok {
		return
	}
	si.ModelSessions = append(si.ModelSessions, sibling)
	r.sessions[sibling.SessionID()] = si
}

// Delete removes a session entirely, including from both secondary
// indices and every prefix-sharing sibling's alias entry, so no stale
// *SessionInfo remains reachable under a sibling's id once the head is
// torn down (a later LoadModel for that model id would otherwise reuse
// the dead object via GetOrCreate).
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for backendID := range si.BackendThroughputs {
		if idx := r.byBackend[backendID]; idx != nil {
			delete(idx, sessionID)
		}
	}
	for frontendID := range si.Subscribers {
		if idx := r.byFrontend[frontendID]; idx != nil {
			delete(idx, sessionID)
		}
	}
	for _, ms := range si.ModelSessions {
		delete(r.sessions, ms.SessionID())
	}
}

// SetBackendThroughput records backendID's contribution to sessionID and
// indexes the session under that backend.
func (r *Registry) SetBackendThroughput(sessionID string, backendID uint32, throughput float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	si.BackendThroughputs[backendID] = throughput
	if r.byBackend[backendID] == nil {
		r.byBackend[backendID] = make(map[string]bool)
	}
	r.byBackend[backendID][sessionID] = true
}

// RemoveBackendThroughput drops backendID's contribution to sessionID.
func (r *Registry) RemoveBackendThroughput(sessionID string, backendID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[sessionID]
	if ok {
		delete(si.BackendThroughputs, backendID)
		delete(si.BackupBackends, backendID)
	}
	if idx := r.byBackend[backendID]; idx != nil {
		delete(idx, sessionID)
	}
}

// Subscribe adds frontendID as a subscriber of sessionID, upserting: this
// is always safe to call even if the frontend was previously evicted from
// the set, per the duplicate-LoadModel path being specified as an upsert.
func (r *Registry) Subscribe(sessionID string, frontendID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	si.Subscribers[frontendID] = true
	if r.byFrontend[frontendID] == nil {
		r.byFrontend[frontendID] = make(map[string]bool)
	}
	r.byFrontend[frontendID][sessionID] = true
}

// Unsubscribe removes frontendID from sessionID's subscriber set and
// reports whether the subscriber set is now empty.
func (r *Registry) Unsubscribe(sessionID string, frontendID uint32) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	si, ok := r.sessions[sessionID]
	if ok {
		delete(si.Subscribers, frontendID)
		empty = len(si.Subscribers) == 0
	}
	if idx := r.byFrontend[frontendID]; idx != nil {
		delete(idx, sessionID)
	}
	return empty
}

// SessionIDsForBackend returns the session ids backendID currently
// contributes throughput to, sorted for deterministic iteration.
func (r *Registry) SessionIDsForBackend(backendID uint32) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.byBackend[backendID])
}

// SessionIDsForFrontend returns the session ids frontendID subscribes
// to, sorted for deterministic iteration.
func (r *Registry) SessionIDsForFrontend(frontendID uint32) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.byFrontend[frontendID])
}

// All returns every SessionInfo keyed by its head session id, in sorted
// key order, matching the deterministic-iteration requirement the
// allocator and epoch loop rely on.
func (r *Registry) All() []*SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*SessionInfo]bool)
	ids := sortedSessionKeys(r.sessions)
	out := make([]*SessionInfo, 0, len(ids))
	for _, id := range ids {
		si := r.sessions[id]
		if si.HeadSessionID() != id {
			continue // skip sibling aliases, head is canonical
		}
		if seen[si] {
			continue
		}
		seen[si] = true
		out = append(out, si)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSessionKeys(m map[string]*SessionInfo) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
