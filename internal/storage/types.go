package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

type SessionStatus string

const (
	StatusInactive   SessionStatus = "inactive"
	StatusConnecting SessionStatus = "connecting"
	StatusActive     SessionStatus = "active"
	StatusError      SessionStatus = "error"
)

type BotMode string

const (
	ModePrivate BotMode = "private"
	ModePublic  BotMode = "public"
)

type LinkMode string

const (
	LinkOff  LinkMode = "off"
	LinkOn   LinkMode = "on"
	LinkWarn LinkMode = "warn"
)

type AuditType string

const (
	AuditInfo    AuditType = "info"
	AuditSuccess AuditType = "success"
	AuditError   AuditType = "error"
	AuditCommand AuditType = "command"
)

type User struct {
	ID        string
	Username  string
	BotName   string
	Email     string
	CreatedAt time.Time
}

// UserOverview is a user joined with their session's live fields, used by
// the operator boundary.
type UserOverview struct {
	User
	Status          SessionStatus
	ConnectedNumber string
}

// Session is the durable record of one user's bot pairing state.
//
// ConnectedNumber is the live identity: set only while status is active,
// cleared when the session transitions to connecting or inactive.
// PairedNumber is the sticky record of the last successful pairing; Start()
// requires it to be present.
type Session struct {
	ID              string
	UserID          string
	Status          SessionStatus
	PairingImage    string // data URL of the current challenge, "" when none
	OwnerNumber     string
	ConnectedNumber string
	PairedNumber    string
	Mode            BotMode
	KeepAlive       bool
	LastActive      time.Time // zero when never active
	CreatedAt       time.Time
}

type AuditEntry struct {
	ID        string
	SessionID string
	Type      AuditType
	Message   string
	At        time.Time
}

// GroupPolicy holds per-(session, group) moderation configuration.
// Created lazily on the first moderation command for a group.
type GroupPolicy struct {
	ID           string
	SessionID    string
	GroupID      string
	GroupName    string
	LinkMode     LinkMode
	AntiViewOnce bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type BannedEntry struct {
	PolicyID string
	Number   string
	Reason   string
	BannedAt time.Time
}

// ContactExport is an immutable snapshot of a group's member numbers.
type ContactExport struct {
	ID        string
	SessionID string
	GroupName string
	Contacts  []string
	CreatedAt time.Time

	// Username is populated by operator-level listings only.
	Username string
	UserID   string
}

// QuotaGrant lifts the default broadcast recipient cap until PremiumUntil.
type QuotaGrant struct {
	UserID       string
	PremiumUntil time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AdminSettings struct {
	RepoMessage string
	AdminNumber string
}

// Active reports whether the grant is in force at the given instant.
// Expiry is exclusive: a grant expiring exactly now is no longer active.
func (g *QuotaGrant) Active(now time.Time) bool {
	return g != nil && g.PremiumUntil.After(now)
}
