package store

import (
	"errors"

	"chatrelay/models"
)

var ErrNoRows = errors.New("no rows found")

// Store is the persistence boundary of the coordination engine. The in-memory
// registries stay authoritative for routing; every write here is best-effort.
type Store interface {
	// Users
	CreateUser(username, password string) error
	UserExists(username string) (bool, error)
	VerifyUser(username, password string) (bool, error)
	ResetPassword(username, newPassword string) error
	SetOnline(username string, online bool) error
	EnsureSystemUser() error

	// Messages
	SaveMessage(m models.Message) error
	// LoadHistory returns at most limit rows, newest-bounded, oldest first.
	// kind is models.MsgPrivate or models.MsgGroup; for private history the
	// requester/target pair is matched in both directions.
	LoadHistory(kind, requester, target string, limit int) ([]models.Message, error)

	// Files
	SaveFile(f models.FileMeta) error
	LoadFiles(kind, requester, target string, limit int) ([]models.FileMeta, error)
	// UpdateFilePath records the on-disk name against the most recent
	// metadata row for filename+sender, inserting a placeholder row when the
	// bytes arrive before the announcement.
	UpdateFilePath(filename, sender, path string) error
	// FilePath returns the most recent on-disk name for a display filename,
	// ErrNoRows when the bytes never arrived.
	FilePath(filename string) (string, error)

	// Groups
	UpsertGroup(name, creator string) error
	AddGroupMember(group, username string) error
	RemoveGroupMember(group, username string) error
	DissolveGroup(name string) error
	LoadAllGroups() ([]models.Group, error)

	// Calls
	RecordCall(c models.Call) (int64, error)
	UpdateCallStatus(id int64, status string, duration int64) error
	CallParties(id int64) (caller, callee string, err error)

	Close() error
}
