package store

import (
	"shelfscan/pkg/domain"
)

// Store defines persistence operations for users and scan history.
type Store interface {
	// users
	CreateUser(u domain.User) (domain.User, error)
	HasUsername(username string) (bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByID(id uint) (domain.User, bool, error)

	// scans
	SaveScan(s domain.Scan) (domain.Scan, error)
	ListScansByUser(userID uint) ([]domain.Scan, error)
	// DeleteScans removes the given scan ids owned by userID and returns the
	// number actually deleted. Missing ids and ids owned by other users are
	// silently skipped.
	DeleteScans(userID uint, ids []uint) (int64, error)
}

// SessionStore persists browser session tokens for the web upload path.
type SessionStore interface {
	NewSession(userID uint) (string, error)
	GetUserIDByToken(token string) (uint, bool, error)
	DeleteSession(token string) error
}
