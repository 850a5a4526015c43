package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Participant is a live connection's announced identity. The connection
// ID is ephemeral and assigned per connection; the name is client
// supplied and acts as the cross-connection identity key.
type Participant struct {
	ConnID string
	Name   string
	Room   string
	Avatar string
	Active bool
}

// Registry is the bidirectional mapping between connection identity and
// participant identity. All mutations go through a single mutex, so a
// roster snapshot never mixes pre- and post-mutation state.
type Registry struct {
	mu sync.RWMutex
	// participants maps connID -> participant.
	participants map[string]Participant
	// byName is the reverse index name -> connID. At most one live
	// connection is associated with a name at a time; a later join for
	// the same name overwrites the mapping.
	byName map[string]string
	logger *slog.Logger
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[string]Participant),
		byName:       make(map[string]string),
		logger:       slog.Default().With("service", "presence"),
	}
}

// Join registers (or overwrites) the participant for connID, points the
// name index at this connection, and returns the room's roster after
// the mutation. A join for a name already active on another connection
// silently supersedes the old mapping: the old connection stays
// registered but becomes unreachable by name lookup.
func (r *Registry) Join(connID, name, room, avatar string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byName[name]; ok && prev != connID {
		r.logger.Warn("name superseded by newer connection",
			"name", name, "old_conn", prev, "new_conn", connID)
	}

	r.participants[connID] = Participant{
		ConnID: connID,
		Name:   name,
		Room:   room,
		Avatar: avatar,
		Active: true,
	}
	r.byName[name] = connID

	r.logger.Info("participant joined", "name", name, "room", room, "conn_id", connID)
	return r.rosterLocked(room)
}

// Disconnect marks the participant for connID inactive and returns it
// so the caller can fan out the leave. The reverse index entry is
// removed only if it still points at this connection: a superseded
// connection's disconnect must not clobber the newer mapping.
// Unknown connection IDs are a no-op.
func (r *Registry) Disconnect(connID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return Participant{}, false
	}

	p.Active = false
	delete(r.participants, connID)
	if r.byName[p.Name] == connID {
		delete(r.byName, p.Name)
	}

	r.logger.Info("participant disconnected", "name", p.Name, "room", p.Room, "conn_id", connID)
	return p, true
}

// Lookup returns the participant registered for connID.
func (r *Registry) Lookup(connID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[connID]
	return p, ok
}

// ResolveByName returns the live connection currently associated with a
// name. Used to route private messages; a miss means the recipient is
// offline and the message degrades to a sender-only echo.
func (r *Registry) ResolveByName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byName[name]
	return connID, ok
}

// Roster returns the sorted names of active participants in a room.
func (r *Registry) Roster(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked(room)
}

// Members returns the connection IDs of active participants in a room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := lo.FilterMap(lo.Values(r.participants), func(p Participant, _ int) (string, bool) {
		return p.ConnID, p.Active && p.Room == room
	})
	sort.Strings(members)
	return members
}

func (r *Registry) rosterLocked(room string) []string {
	names := lo.FilterMap(lo.Values(r.participants), func(p Participant, _ int) (string, bool) {
		return p.Name, p.Active && p.Room == room
	})
	sort.Strings(names)
	// Repeated joins under one name leave at most one active mapping, but
	// two connections can still carry the same name; the roster is a set.
	return lo.Uniq(names)
}
