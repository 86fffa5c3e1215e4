// Package storage is the durable session store.
//
// It persists sessions, moderation state, contact snapshots, quota grants
// and the audit log behind a single Store interface. All multi-writer
// mutations (policy upserts, warning increments) are single-statement
// ON CONFLICT upserts so concurrent messages from the same sender cannot
// lose updates; this is the one invariant the engine relies on the backing
// store to uphold.
package storage

import (
	"context"
	"time"
)

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Store interface {
	// Users
	CreateUser(ctx context.Context, username, botName, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]UserOverview, error)

	// Sessions
	Session(ctx context.Context, userID string) (*Session, error)
	EnsureSession(ctx context.Context, userID string) (*Session, error)
	MarkConnecting(ctx context.Context, userID string) error
	MarkActive(ctx context.Context, userID, number string) error
	MarkInactive(ctx context.Context, userID string) error
	MarkError(ctx context.Context, userID string) error
	SetPairingImage(ctx context.Context, userID, image string) error
	SetOwnerNumber(ctx context.Context, userID, number string) error
	SetMode(ctx context.Context, userID string, mode BotMode) error
	SetKeepAlive(ctx context.Context, userID string, enabled bool) error
	TouchLastActive(ctx context.Context, userID string) error

	// Audit log
	AppendAudit(ctx context.Context, sessionID string, typ AuditType, message string) error
	RecentAudit(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	// Group moderation policies
	GroupPolicy(ctx context.Context, sessionID, groupID string) (*GroupPolicy, error)
	EnsureGroupPolicy(ctx context.Context, sessionID, groupID, groupName string) (*GroupPolicy, error)
	SetLinkMode(ctx context.Context, sessionID, groupID, groupName string, mode LinkMode) (*GroupPolicy, error)
	SetAntiViewOnce(ctx context.Context, sessionID, groupID, groupName string, enabled bool) (*GroupPolicy, error)

	// Link warnings. IncrementLinkWarning is atomic: concurrent calls for
	// the same (policy, number) each observe a distinct count.
	IncrementLinkWarning(ctx context.Context, policyID, number string) (int, error)
	LinkWarningCount(ctx context.Context, policyID, number string) (int, error)
	DeleteLinkWarning(ctx context.Context, policyID, number string) error

	// Banned entries
	BannedUser(ctx context.Context, policyID, number string) (*BannedEntry, error)
	AddBan(ctx context.Context, policyID, number, reason string) (created bool, err error)
	RemoveBan(ctx context.Context, policyID, number string) (removed bool, err error)
	ListBans(ctx context.Context, policyID string) ([]BannedEntry, error)

	// Contact snapshots
	SaveContactExport(ctx context.Context, sessionID, groupName string, contacts []string) (*ContactExport, error)
	ContactExport(ctx context.Context, id string) (*ContactExport, error)
	ContactExports(ctx context.Context, sessionID string) ([]ContactExport, error)
	AllContactExports(ctx context.Context) ([]ContactExport, error)

	// Quota grants
	QuotaGrant(ctx context.Context, userID string) (*QuotaGrant, error)
	GrantQuota(ctx context.Context, userID string, until time.Time) error
	RevokeQuota(ctx context.Context, userID string) error
	IsQuotaActive(ctx context.Context, userID string, now time.Time) (bool, error)
	PruneExpiredQuota(ctx context.Context, now time.Time) (int64, error)

	// Operator settings
	AdminSettings(ctx context.Context) (*AdminSettings, error)
	UpdateAdminSettings(ctx context.Context, s AdminSettings) error

	Close() error
}
