package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/careline/careline-go-api/internal/dto"
	"github.com/careline/careline-go-api/internal/observability"
)

// EventSink receives server-to-client frames for one connection. Send must not
// block; it reports false when the frame was dropped (slow or closed consumer).
type EventSink interface {
	Send(event dto.OutboundEvent) bool
}

type presenceEntry struct {
	userID string
	role   string
	name   string
	sink   EventSink
	rooms  map[string]struct{}
}

// PresenceRegistry tracks which users currently hold an open connection and
// which rooms each connection subscribed to. It is the only mutable state
// shared between connection handlers; every method is safe for concurrent use
// and callers never take additional locks. A lookup miss is a normal outcome:
// the caller stores the message and skips the broadcast.
type PresenceRegistry struct {
	mu    sync.RWMutex
	users map[string]*presenceEntry
	rooms map[string]map[string]*presenceEntry
	log   zerolog.Logger
}

// NewPresenceRegistry creates an empty registry.
func NewPresenceRegistry(logger zerolog.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[string]*presenceEntry),
		rooms: make(map[string]map[string]*presenceEntry),
		log:   logger.With().Str("component", "presence_registry").Logger(),
	}
}

// Register records a user as online. A reconnect replaces the previous
// connection entirely: only the last known connection per user receives
// broadcasts, and the stale connection's room subscriptions are dropped.
func (p *PresenceRegistry) Register(userID, role, name string, sink EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.users[userID]; ok {
		p.detachLocked(old)
	}

	p.users[userID] = &presenceEntry{
		userID: userID,
		role:   role,
		name:   name,
		sink:   sink,
		rooms:  make(map[string]struct{}),
	}

	observability.ChatConnectionsActive().Set(float64(len(p.users)))
	p.log.Debug().Str("user_id", userID).Str("role", role).Msg("user registered")
}

// Unregister removes the user's presence entry and all room subscriptions.
// The sink guard keeps a dying connection from evicting its replacement.
func (p *PresenceRegistry) Unregister(userID string, sink EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok || (sink != nil && entry.sink != sink) {
		return
	}

	p.detachLocked(entry)
	delete(p.users, userID)

	observability.ChatConnectionsActive().Set(float64(len(p.users)))
	p.log.Debug().Str("user_id", userID).Msg("user unregistered")
}

func (p *PresenceRegistry) detachLocked(entry *presenceEntry) {
	for roomID := range entry.rooms {
		if members, ok := p.rooms[roomID]; ok {
			delete(members, entry.userID)
			if len(members) == 0 {
				delete(p.rooms, roomID)
			}
		}
	}
	entry.rooms = make(map[string]struct{})
}

// IsOnline reports whether the user currently holds a connection.
func (p *PresenceRegistry) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok
}

// JoinRoom subscribes the user's connection to a room's broadcasts. It is a
// no-op for offline users.
func (p *PresenceRegistry) JoinRoom(userID, roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok {
		return false
	}

	entry.rooms[roomID] = struct{}{}
	if _, exists := p.rooms[roomID]; !exists {
		p.rooms[roomID] = make(map[string]*presenceEntry)
	}
	p.rooms[roomID][userID] = entry
	return true
}

// LeaveRoom drops the user's subscription to a room.
func (p *PresenceRegistry) LeaveRoom(userID, roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.users[userID]; ok {
		delete(entry.rooms, roomID)
	}
	if members, ok := p.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(p.rooms, roomID)
		}
	}
}

// InRoom reports whether the user's connection subscribed to the room.
func (p *PresenceRegistry) InRoom(userID, roomID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members, ok := p.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = members[userID]
	return ok
}

// EmitToRoom fans an event out to every connection subscribed to the room,
// optionally excluding one user. Dropped frames are counted and logged but
// never fail the originating operation; persistence has already succeeded by
// the time a broadcast happens.
func (p *PresenceRegistry) EmitToRoom(roomID string, event dto.OutboundEvent, excludeUserID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	delivered := 0
	for userID, entry := range p.rooms[roomID] {
		if userID == excludeUserID {
			continue
		}
		if entry.sink.Send(event) {
			delivered++
			continue
		}
		observability.ChatBroadcastDropped().Inc()
		p.log.Warn().Str("room_id", roomID).Str("user_id", userID).Str("event", event.Event).Msg("dropping frame for slow client")
	}
	return delivered
}

// EmitToUser delivers an event to a single online user. Returns false when the
// user is offline or the frame was dropped.
func (p *PresenceRegistry) EmitToUser(userID string, event dto.OutboundEvent) bool {
	p.mu.RLock()
	entry, ok := p.users[userID]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	if !entry.sink.Send(event) {
		observability.ChatBroadcastDropped().Inc()
		p.log.Warn().Str("user_id", userID).Str("event", event.Event).Msg("dropping frame for slow client")
		return false
	}
	return true
}

// Lookup returns the role and display name recorded at registration.
func (p *PresenceRegistry) Lookup(userID string) (role, name string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, found := p.users[userID]
	if !found {
		return "", "", false
	}
	return entry.role, entry.name, true
}
