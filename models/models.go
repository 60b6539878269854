package models

import "time"

// Message types as stored in the messages table.
const (
	MsgPrivate    = "PRIVATE"
	MsgGroup      = "GROUP"
	MsgBroadcast  = "BROADCAST"
	MsgEmoji      = "EMOJI"
	MsgVoice      = "VOICE"
	MsgModeration = "MODERATION"
)

// Call statuses.
const (
	CallOngoing   = "ONGOING"
	CallAccepted  = "ACCEPTED"
	CallRejected  = "REJECTED"
	CallMissed    = "MISSED"
	CallCompleted = "COMPLETED"
)

// SystemUser is the sender of server-originated rows (broadcasts, call logs).
const SystemUser = "SERVER"

type User struct {
	ID       int64
	Username string
	Password string // hashed
	Online   bool
	LastSeen time.Time
}

type Group struct {
	Name    string
	Creator string
	Members []string
}

type Message struct {
	ID        int64
	Type      string
	Sender    string
	Receiver  string // username, group name or "ALL"
	Content   string
	Timestamp time.Time
}

type FileMeta struct {
	ID       int64
	Filename string
	Sender   string
	Receiver string // username or group name
	Size     int64
	FileType string
	Path     string // name on disk, filled in once the bytes arrive
	SentAt   time.Time
}

type Call struct {
	ID        int64
	Caller    string
	Callee    string
	CallType  string // "VIDEO", ...
	Status    string
	StartedAt time.Time
	Duration  int64 // seconds, set on completion
}
