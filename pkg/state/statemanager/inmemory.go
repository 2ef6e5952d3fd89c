package statemanager

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/transport"
	"github.com/google/uuid"
)

type presenceRecord struct {
	status      state.Status
	awayMessage string
	visibility  state.Visibility
	updatedAt   time.Time
	rooms       map[string]struct{}
	communities map[string]struct{}
}

// InMemoryManager keeps all state in process memory. Presence is therefore
// only consistent within a single server instance.
//
// Lock order: connMu before presenceMu.
type InMemoryManager struct {
	conns      map[uuid.UUID]*state.Connection
	identities map[string]map[uuid.UUID]*state.Connection
	addresses  map[string]int
	nextSeq    uint64
	connMu     sync.RWMutex

	presence   map[string]*presenceRecord
	rooms      map[string]map[string]struct{} // room -> occupants, mirrors presenceRecord.rooms
	presenceMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		identities: make(map[string]map[uuid.UUID]*state.Connection),
		addresses:  make(map[string]int),
		presence:   make(map[string]*presenceRecord),
		rooms:      make(map[string]map[string]struct{}),
		logger:     logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(socket transport.Socket) (*state.Connection, error) {
	identity := socket.Identity()
	if identity == "" {
		return nil, state.ErrMissingIdentity
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()

	// Checked under connMu: teardown flips the socket closed before it
	// deregisters, so a closed socket can never be re-added afterwards.
	if !socket.IsOpen() {
		return nil, state.ErrSocketClosed
	}
	connID := socket.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrAlreadyConnected
	}

	m.nextSeq++
	conn := state.NewConnection(socket, m.nextSeq)
	m.conns[connID] = conn
	byID, ok := m.identities[identity]
	if !ok {
		byID = make(map[uuid.UUID]*state.Connection)
		m.identities[identity] = byID
	}
	byID[connID] = conn

	m.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("did", identity))
	return conn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (string, int) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return "", 0
	}
	delete(m.conns, connID)

	byID := m.identities[conn.Identity]
	delete(byID, connID)
	remaining := len(byID)
	if remaining == 0 {
		delete(m.identities, conn.Identity)
	}

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.String("did", conn.Identity), slog.Int("remaining", remaining))
	return conn.Identity, remaining
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) IdentityConnections(identity string) []transport.Socket {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	byID := m.identities[identity]
	sockets := make([]transport.Socket, 0, len(byID))
	for _, c := range sortedBySeq(byID) {
		sockets = append(sockets, c.Socket)
	}
	return sockets
}

func (m *InMemoryManager) IdentityConnectionCount(identity string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.identities[identity])
}

func (m *InMemoryManager) ExcessConnections(identity string, max int) []transport.Socket {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	byID := m.identities[identity]
	if max < 0 || len(byID) <= max {
		return nil
	}
	ordered := sortedBySeq(byID)
	excess := make([]transport.Socket, 0, len(ordered)-max)
	for _, c := range ordered[:len(ordered)-max] {
		excess = append(excess, c.Socket)
	}
	return excess
}

func (m *InMemoryManager) AllConnections() []transport.Socket {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	sockets := make([]transport.Socket, 0, len(m.conns))
	for _, c := range m.conns {
		sockets = append(sockets, c.Socket)
	}
	return sockets
}

func (m *InMemoryManager) ReserveAddress(ip string, max int) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if max > 0 && m.addresses[ip] >= max {
		return false
	}
	m.addresses[ip]++
	return true
}

func (m *InMemoryManager) ReleaseAddress(ip string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.addresses[ip] <= 1 {
		delete(m.addresses, ip)
		return
	}
	m.addresses[ip]--
}

func sortedBySeq(byID map[uuid.UUID]*state.Connection) []*state.Connection {
	ordered := make([]*state.Connection, 0, len(byID))
	for _, c := range byID {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq() < ordered[j].Seq() })
	return ordered
}

// --- Presence ---

func (m *InMemoryManager) SetOnline(identity string) bool {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	if _, ok := m.presence[identity]; ok {
		return false
	}
	m.presence[identity] = &presenceRecord{
		status:      state.StatusOnline,
		visibility:  state.VisibilityEveryone,
		updatedAt:   time.Now(),
		rooms:       make(map[string]struct{}),
		communities: make(map[string]struct{}),
	}
	m.logger.Debug("Presence created", slog.String("did", identity))
	return true
}

func (m *InMemoryManager) SetOffline(identity string) (state.Presence, bool) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	return m.removeLocked(identity)
}

func (m *InMemoryManager) ReleaseIfIdle(identity string) (state.Presence, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if len(m.identities[identity]) > 0 {
		return state.Presence{}, false
	}

	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	return m.removeLocked(identity)
}

func (m *InMemoryManager) removeLocked(identity string) (state.Presence, bool) {
	rec, ok := m.presence[identity]
	if !ok {
		return state.Presence{}, false
	}
	snap := snapshot(identity, rec)
	for room := range rec.rooms {
		m.unindexLocked(identity, room)
	}
	delete(m.presence, identity)

	m.logger.Debug("Presence removed", slog.String("did", identity), slog.Int("rooms", len(snap.Rooms)))
	snap.Status = state.StatusOffline
	return snap, true
}

func (m *InMemoryManager) SetStatus(identity string, update state.StatusUpdate) (state.Presence, error) {
	if !update.Status.Settable() {
		return state.Presence{}, state.ErrInvalidStatus
	}
	if update.Visibility != nil && !update.Visibility.Valid() {
		return state.Presence{}, state.ErrInvalidPolicy
	}

	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	rec, ok := m.presence[identity]
	if !ok {
		return state.Presence{}, state.ErrNoPresence
	}
	rec.status = update.Status
	switch {
	case update.AwayMessage != nil:
		rec.awayMessage = *update.AwayMessage
	case update.Status == state.StatusOnline:
		rec.awayMessage = ""
	}
	if update.Visibility != nil {
		rec.visibility = *update.Visibility
	}
	rec.updatedAt = time.Now()
	return snapshot(identity, rec), nil
}

// --- Room & Membership Management ---

func (m *InMemoryManager) JoinRoom(identity, room string) (bool, error) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	rec, ok := m.presence[identity]
	if !ok {
		return false, state.ErrNoPresence
	}
	if _, exists := rec.rooms[room]; exists {
		return false, nil
	}
	rec.rooms[room] = struct{}{}
	occupants, ok := m.rooms[room]
	if !ok {
		occupants = make(map[string]struct{})
		m.rooms[room] = occupants
	}
	occupants[identity] = struct{}{}

	m.logger.Debug("Identity joined room", slog.String("did", identity), slog.String("room", room))
	return true, nil
}

func (m *InMemoryManager) LeaveRoom(identity, room string) bool {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	rec, ok := m.presence[identity]
	if !ok {
		return false
	}
	if _, exists := rec.rooms[room]; !exists {
		return false
	}
	delete(rec.rooms, room)
	m.unindexLocked(identity, room)

	m.logger.Debug("Identity left room", slog.String("did", identity), slog.String("room", room))
	return true
}

func (m *InMemoryManager) unindexLocked(identity, room string) {
	occupants := m.rooms[room]
	delete(occupants, identity)
	// For memory hygiene, remove the room if it's now empty.
	if len(occupants) == 0 {
		delete(m.rooms, room)
	}
}

func (m *InMemoryManager) GetRoomMembers(room string) []string {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()

	occupants := m.rooms[room]
	members := make([]string, 0, len(occupants))
	for id := range occupants {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

func (m *InMemoryManager) IsInRoom(identity, room string) bool {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	_, ok := m.rooms[room][identity]
	return ok
}

func (m *InMemoryManager) SyncCommunities(identity string, communities []string) error {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()

	rec, ok := m.presence[identity]
	if !ok {
		return state.ErrNoPresence
	}
	set := make(map[string]struct{}, len(communities))
	for _, c := range communities {
		set[c] = struct{}{}
	}
	rec.communities = set
	return nil
}

func (m *InMemoryManager) SharesCommunity(a, b string) bool {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()

	ra, okA := m.presence[a]
	rb, okB := m.presence[b]
	if !okA || !okB {
		return false
	}
	small, large := ra.communities, rb.communities
	if len(small) > len(large) {
		small, large = large, small
	}
	for c := range small {
		if _, ok := large[c]; ok {
			return true
		}
	}
	return false
}

// --- Reads ---

func (m *InMemoryManager) GetStatus(identity string) state.Status {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	if rec, ok := m.presence[identity]; ok {
		return rec.status
	}
	return state.StatusOffline
}

func (m *InMemoryManager) GetVisibility(identity string) state.Visibility {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	if rec, ok := m.presence[identity]; ok {
		return rec.visibility
	}
	return state.VisibilityEveryone
}

func (m *InMemoryManager) GetPresence(identity string) (state.Presence, bool) {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	rec, ok := m.presence[identity]
	if !ok {
		return state.Presence{}, false
	}
	return snapshot(identity, rec), true
}

// GetBulk returns one entry per requested identity; identities without a
// record come back offline.
func (m *InMemoryManager) GetBulk(identities []string) map[string]state.Presence {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()

	out := make(map[string]state.Presence, len(identities))
	for _, id := range identities {
		if rec, ok := m.presence[id]; ok {
			out[id] = snapshot(id, rec)
			continue
		}
		out[id] = state.Presence{Identity: id, Status: state.StatusOffline, Visibility: state.VisibilityEveryone}
	}
	return out
}

func snapshot(identity string, rec *presenceRecord) state.Presence {
	return state.Presence{
		Identity:    identity,
		Status:      rec.status,
		AwayMessage: rec.awayMessage,
		Visibility:  rec.visibility,
		UpdatedAt:   rec.updatedAt,
		Rooms:       sortedKeys(rec.rooms),
		Communities: sortedKeys(rec.communities),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
