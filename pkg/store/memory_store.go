package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"shelfscan/pkg/domain"
)

// ErrDuplicateUsername is returned by MemoryStore when the username exists.
// The Postgres store surfaces the same condition as a unique-constraint error.
var ErrDuplicateUsername = errors.New("username already exists")

// MemoryStore keeps users and scans in-process. Used by tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[uint]domain.User
	byUsername map[string]uint
	scans      map[uint]domain.Scan
	nextUserID uint
	nextScanID uint
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[uint]domain.User),
		byUsername: make(map[string]uint),
		scans:      make(map[uint]domain.Scan),
	}
}

// CreateUser assigns the next id and stores the user.
func (m *MemoryStore) CreateUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byUsername[u.Username]; exists {
		return domain.User{}, ErrDuplicateUsername
	}
	m.nextUserID++
	u.ID = m.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	m.byUsername[u.Username] = u.ID
	return u, nil
}

// HasUsername checks whether the username is taken.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUsername[username]
	return ok, nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[username]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

// GetUserByID returns a user by id.
func (m *MemoryStore) GetUserByID(id uint) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// SaveScan assigns the next id and stores the scan.
func (m *MemoryStore) SaveScan(s domain.Scan) (domain.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScanID++
	s.ID = m.nextScanID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.scans[s.ID] = s
	return s, nil
}

// ListScansByUser returns the user's scans, newest first.
func (m *MemoryStore) ListScansByUser(userID uint) ([]domain.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Scan, 0)
	for _, s := range m.scans {
		if s.UserID == userID {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// DeleteScans removes matching ids owned by userID; others are skipped.
func (m *MemoryStore) DeleteScans(userID uint, ids []uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for _, id := range ids {
		s, ok := m.scans[id]
		if !ok || s.UserID != userID {
			continue
		}
		delete(m.scans, id)
		deleted++
	}
	return deleted, nil
}
