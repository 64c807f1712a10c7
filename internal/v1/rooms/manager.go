// Package rooms tracks which websocket sessions exist, which user owns each,
// and which broadcast rooms each has joined. Purely in-memory and per-node:
// cross-node fan-out happens over the event bus, not here.
package rooms

import (
	"fmt"
	"sync"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/types"
	"k8s.io/utils/set"
)

type sessionInfo struct {
	userID       types.UserIdType
	lastActivity time.Time
}

// Manager is the session and room registry. Safe for concurrent use.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[types.SessionIdType]*sessionInfo
	userSessions map[types.UserIdType]set.Set[types.SessionIdType]
	rooms        map[string]set.Set[types.SessionIdType]
	sessionRooms map[types.SessionIdType]set.Set[string]
}

func NewManager() *Manager {
	return &Manager{
		sessions:     make(map[types.SessionIdType]*sessionInfo),
		userSessions: make(map[types.UserIdType]set.Set[types.SessionIdType]),
		rooms:        make(map[string]set.Set[types.SessionIdType]),
		sessionRooms: make(map[types.SessionIdType]set.Set[string]),
	}
}

// UserRoom is the personal room every session of a user joins.
func UserRoom(userID types.UserIdType) string {
	return fmt.Sprintf("user:%s", userID)
}

// ChatRoom is the broadcast room for one chat.
func ChatRoom(chatID types.ChatIdType) string {
	return fmt.Sprintf("chat:%s", chatID)
}

// AddSession registers a new session for a user. A user may hold several
// sessions at once (multi-device).
func (m *Manager) AddSession(sessionID types.SessionIdType, userID types.UserIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[sessionID] = &sessionInfo{userID: userID, lastActivity: time.Now()}
	if _, ok := m.userSessions[userID]; !ok {
		m.userSessions[userID] = set.New[types.SessionIdType]()
	}
	m.userSessions[userID].Insert(sessionID)
}

// RemoveSession drops the session from every room and from its user's session
// set. Removing an unknown session is a no-op.
func (m *Manager) RemoveSession(sessionID types.SessionIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)

	if sids, ok := m.userSessions[info.userID]; ok {
		sids.Delete(sessionID)
		if sids.Len() == 0 {
			delete(m.userSessions, info.userID)
		}
	}

	if joined, ok := m.sessionRooms[sessionID]; ok {
		for _, room := range joined.UnsortedList() {
			m.leaveRoomLocked(sessionID, room)
		}
		delete(m.sessionRooms, sessionID)
	}
}

// GetUserID resolves a session to its owner.
func (m *Manager) GetUserID(sessionID types.SessionIdType) (types.UserIdType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return info.userID, true
}

// GetUserSessions returns every live session id owned by the user.
func (m *Manager) GetUserSessions(userID types.UserIdType) []types.SessionIdType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sids, ok := m.userSessions[userID]
	if !ok {
		return nil
	}
	return sids.UnsortedList()
}

// IsUserConnected reports whether the user has at least one live session.
func (m *Manager) IsUserConnected(userID types.UserIdType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sids, ok := m.userSessions[userID]
	return ok && sids.Len() > 0
}

// UpdateActivity stamps the session's last-activity time. Called on every
// inbound event including pings.
func (m *Manager) UpdateActivity(sessionID types.SessionIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.sessions[sessionID]; ok {
		info.lastActivity = time.Now()
	}
}

// TimedOutSessions returns the sessions idle for longer than the given
// duration. The reaper disconnects them.
func (m *Manager) TimedOutSessions(idle time.Duration) []types.SessionIdType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-idle)
	var out []types.SessionIdType
	for sid, info := range m.sessions {
		if info.lastActivity.Before(cutoff) {
			out = append(out, sid)
		}
	}
	return out
}

// JoinRoom adds the session to a broadcast room. Unknown sessions are
// ignored: a racing disconnect must not resurrect membership.
func (m *Manager) JoinRoom(sessionID types.SessionIdType, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return
	}
	if _, ok := m.rooms[room]; !ok {
		m.rooms[room] = set.New[types.SessionIdType]()
	}
	m.rooms[room].Insert(sessionID)

	if _, ok := m.sessionRooms[sessionID]; !ok {
		m.sessionRooms[sessionID] = set.New[string]()
	}
	m.sessionRooms[sessionID].Insert(room)
}

// LeaveRoom removes the session from a room.
func (m *Manager) LeaveRoom(sessionID types.SessionIdType, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaveRoomLocked(sessionID, room)
	if joined, ok := m.sessionRooms[sessionID]; ok {
		joined.Delete(room)
	}
}

func (m *Manager) leaveRoomLocked(sessionID types.SessionIdType, room string) {
	members, ok := m.rooms[room]
	if !ok {
		return
	}
	members.Delete(sessionID)
	if members.Len() == 0 {
		delete(m.rooms, room)
	}
}

// RoomSessions returns the sessions currently in a room.
func (m *Manager) RoomSessions(room string) []types.SessionIdType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members, ok := m.rooms[room]
	if !ok {
		return nil
	}
	return members.UnsortedList()
}

// CloseRoom removes every session from a room at once. Used when a chat ends.
func (m *Manager) CloseRoom(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[room]
	if !ok {
		return
	}
	for _, sid := range members.UnsortedList() {
		if joined, ok := m.sessionRooms[sid]; ok {
			joined.Delete(room)
		}
	}
	delete(m.rooms, room)
}

// SessionCount returns the number of live sessions on this node.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
