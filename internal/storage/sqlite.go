package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	_ "modernc.org/sqlite"

	"wabot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultRepoMessage = "🌟 *WhatsApp Bot Repository* 🌟\n\n" +
	"Thank you for using our bot!\n\n" +
	"💡 Ask the operator for the source link.\n\n" +
	"✨ Happy botting! ✨"

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// Open opens (creating if needed) the SQLite store at cfg.Path and applies
// pending migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := "file:" + url.PathEscape(path) +
		fmt.Sprintf("?_pragma=busy_timeout(%d)", busy.Milliseconds()) +
		"&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	n, err := migrate.Exec(db.DB, "sqlite3", &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       "migrations",
	}, migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if n > 0 {
		log.Info("migrations applied", logx.Int("count", n))
	}

	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- time helpers (columns store unix milliseconds) ----

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// ---- users ----

type userRow struct {
	ID        string `db:"id"`
	Username  string `db:"username"`
	BotName   string `db:"bot_name"`
	Email     string `db:"email"`
	CreatedAt int64  `db:"created_at_ms"`
}

func (r userRow) toUser() User {
	return User{ID: r.ID, Username: r.Username, BotName: r.BotName, Email: r.Email, CreatedAt: fromMS(r.CreatedAt)}
}

func (s *sqliteStore) CreateUser(ctx context.Context, username, botName, email string) (*User, error) {
	now := time.Now()
	u := User{ID: uuid.NewString(), Username: username, BotName: botName, Email: email, CreatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, bot_name, email, created_at_ms) VALUES (?,?,?,?,?)`,
		u.ID, u.Username, u.BotName, u.Email, ms(now),
	); err != nil {
		return nil, err
	}
	// Every user owns exactly one session, created inactive at registration.
	if _, err := s.EnsureSession(ctx, u.ID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var r userRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u := r.toUser()
	return &u, nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]UserOverview, error) {
	type row struct {
		userRow
		Status          sql.NullString `db:"status"`
		ConnectedNumber sql.NullString `db:"connected_number"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT u.id, u.username, u.bot_name, u.email, u.created_at_ms,
		       s.status, s.connected_number
		FROM users u
		LEFT JOIN sessions s ON s.user_id = u.id
		ORDER BY u.created_at_ms`)
	if err != nil {
		return nil, err
	}
	out := make([]UserOverview, 0, len(rows))
	for _, r := range rows {
		out = append(out, UserOverview{
			User:            r.toUser(),
			Status:          SessionStatus(r.Status.String),
			ConnectedNumber: r.ConnectedNumber.String,
		})
	}
	return out, nil
}

// ---- sessions ----

type sessionRow struct {
	ID              string `db:"id"`
	UserID          string `db:"user_id"`
	Status          string `db:"status"`
	PairingImage    string `db:"pairing_image"`
	OwnerNumber     string `db:"owner_number"`
	ConnectedNumber string `db:"connected_number"`
	PairedNumber    string `db:"paired_number"`
	Mode            string `db:"mode"`
	KeepAlive       bool   `db:"keep_alive"`
	LastActive      int64  `db:"last_active_ms"`
	CreatedAt       int64  `db:"created_at_ms"`
}

func (r sessionRow) toSession() Session {
	return Session{
		ID:              r.ID,
		UserID:          r.UserID,
		Status:          SessionStatus(r.Status),
		PairingImage:    r.PairingImage,
		OwnerNumber:     r.OwnerNumber,
		ConnectedNumber: r.ConnectedNumber,
		PairedNumber:    r.PairedNumber,
		Mode:            BotMode(r.Mode),
		KeepAlive:       r.KeepAlive,
		LastActive:      fromMS(r.LastActive),
		CreatedAt:       fromMS(r.CreatedAt),
	}
}

func (s *sqliteStore) Session(ctx context.Context, userID string) (*Session, error) {
	var r sessionRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM sessions WHERE user_id = ?`, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess := r.toSession()
	return &sess, nil
}

func (s *sqliteStore) EnsureSession(ctx context.Context, userID string) (*Session, error) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, mode, keep_alive, created_at_ms)
		VALUES (?,?,?,?,1,?)
		ON CONFLICT(user_id) DO NOTHING`,
		uuid.NewString(), userID, StatusInactive, ModePrivate, ms(now),
	); err != nil {
		return nil, err
	}
	return s.Session(ctx, userID)
}

// MarkConnecting clears the live identity and any stale pairing image.
func (s *sqliteStore) MarkConnecting(ctx context.Context, userID string) error {
	return s.updateSession(ctx, userID,
		`status = ?, pairing_image = '', connected_number = ''`, StatusConnecting)
}

// MarkActive records the live identity and remembers it as the paired number.
func (s *sqliteStore) MarkActive(ctx context.Context, userID, number string) error {
	return s.updateSession(ctx, userID,
		`status = ?, connected_number = ?, paired_number = ?, pairing_image = '', last_active_ms = ?`,
		StatusActive, number, number, ms(time.Now()))
}

func (s *sqliteStore) MarkInactive(ctx context.Context, userID string) error {
	return s.updateSession(ctx, userID,
		`status = ?, pairing_image = '', connected_number = ''`, StatusInactive)
}

func (s *sqliteStore) MarkError(ctx context.Context, userID string) error {
	return s.updateSession(ctx, userID,
		`status = ?, pairing_image = '', connected_number = ''`, StatusError)
}

func (s *sqliteStore) SetPairingImage(ctx context.Context, userID, image string) error {
	return s.updateSession(ctx, userID, `pairing_image = ?`, image)
}

func (s *sqliteStore) SetOwnerNumber(ctx context.Context, userID, number string) error {
	return s.updateSession(ctx, userID, `owner_number = ?`, number)
}

func (s *sqliteStore) SetMode(ctx context.Context, userID string, mode BotMode) error {
	return s.updateSession(ctx, userID, `mode = ?`, mode)
}

func (s *sqliteStore) SetKeepAlive(ctx context.Context, userID string, enabled bool) error {
	return s.updateSession(ctx, userID, `keep_alive = ?`, enabled)
}

func (s *sqliteStore) TouchLastActive(ctx context.Context, userID string) error {
	return s.updateSession(ctx, userID, `last_active_ms = ?`, ms(time.Now()))
}

func (s *sqliteStore) updateSession(ctx context.Context, userID, set string, args ...any) error {
	args = append(args, userID)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE user_id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- audit log ----

type auditRow struct {
	ID        string `db:"id"`
	SessionID string `db:"session_id"`
	Type      string `db:"type"`
	Message   string `db:"message"`
	At        int64  `db:"at_ms"`
}

func (s *sqliteStore) AppendAudit(ctx context.Context, sessionID string, typ AuditType, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, session_id, type, message, at_ms) VALUES (?,?,?,?,?)`,
		uuid.NewString(), sessionID, typ, message, ms(time.Now()))
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit_log WHERE session_id = ? ORDER BY at_ms DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{ID: r.ID, SessionID: r.SessionID, Type: AuditType(r.Type), Message: r.Message, At: fromMS(r.At)})
	}
	return out, nil
}

func (s *sqliteStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE at_ms < ?`, ms(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- group policies ----

type policyRow struct {
	ID           string `db:"id"`
	SessionID    string `db:"session_id"`
	GroupID      string `db:"group_id"`
	GroupName    string `db:"group_name"`
	LinkMode     string `db:"link_mode"`
	AntiViewOnce bool   `db:"anti_view_once"`
	CreatedAt    int64  `db:"created_at_ms"`
	UpdatedAt    int64  `db:"updated_at_ms"`
}

func (r policyRow) toPolicy() GroupPolicy {
	return GroupPolicy{
		ID:           r.ID,
		SessionID:    r.SessionID,
		GroupID:      r.GroupID,
		GroupName:    r.GroupName,
		LinkMode:     LinkMode(r.LinkMode),
		AntiViewOnce: r.AntiViewOnce,
		CreatedAt:    fromMS(r.CreatedAt),
		UpdatedAt:    fromMS(r.UpdatedAt),
	}
}

func (s *sqliteStore) GroupPolicy(ctx context.Context, sessionID, groupID string) (*GroupPolicy, error) {
	var r policyRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM group_policies WHERE session_id = ? AND group_id = ?`, sessionID, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p := r.toPolicy()
	return &p, nil
}

// EnsureGroupPolicy performs a single-statement upsert so concurrent
// moderation commands on the same group never race a read-then-write window.
func (s *sqliteStore) EnsureGroupPolicy(ctx context.Context, sessionID, groupID, groupName string) (*GroupPolicy, error) {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_policies (id, session_id, group_id, group_name, created_at_ms, updated_at_ms)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(session_id, group_id) DO UPDATE SET
			group_name = excluded.group_name,
			updated_at_ms = excluded.updated_at_ms`,
		uuid.NewString(), sessionID, groupID, groupName, now, now)
	if err != nil {
		return nil, err
	}
	return s.GroupPolicy(ctx, sessionID, groupID)
}

func (s *sqliteStore) SetLinkMode(ctx context.Context, sessionID, groupID, groupName string, mode LinkMode) (*GroupPolicy, error) {
	p, err := s.EnsureGroupPolicy(ctx, sessionID, groupID, groupName)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE group_policies SET link_mode = ?, updated_at_ms = ? WHERE id = ?`,
		mode, ms(time.Now()), p.ID); err != nil {
		return nil, err
	}
	p.LinkMode = mode
	return p, nil
}

func (s *sqliteStore) SetAntiViewOnce(ctx context.Context, sessionID, groupID, groupName string, enabled bool) (*GroupPolicy, error) {
	p, err := s.EnsureGroupPolicy(ctx, sessionID, groupID, groupName)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE group_policies SET anti_view_once = ?, updated_at_ms = ? WHERE id = ?`,
		enabled, ms(time.Now()), p.ID); err != nil {
		return nil, err
	}
	p.AntiViewOnce = enabled
	return p, nil
}

// ---- link warnings ----

func (s *sqliteStore) IncrementLinkWarning(ctx context.Context, policyID, number string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO link_warnings (policy_id, number, count, last_warning_ms)
		VALUES (?,?,1,?)
		ON CONFLICT(policy_id, number) DO UPDATE SET
			count = count + 1,
			last_warning_ms = excluded.last_warning_ms
		RETURNING count`,
		policyID, number, ms(time.Now())).Scan(&count)
	return count, err
}

func (s *sqliteStore) LinkWarningCount(ctx context.Context, policyID, number string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count FROM link_warnings WHERE policy_id = ? AND number = ?`, policyID, number)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func (s *sqliteStore) DeleteLinkWarning(ctx context.Context, policyID, number string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM link_warnings WHERE policy_id = ? AND number = ?`, policyID, number)
	return err
}

// ---- banned entries ----

type banRow struct {
	PolicyID string `db:"policy_id"`
	Number   string `db:"number"`
	Reason   string `db:"reason"`
	BannedAt int64  `db:"banned_at_ms"`
}

func (s *sqliteStore) BannedUser(ctx context.Context, policyID, number string) (*BannedEntry, error) {
	var r banRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM banned_users WHERE policy_id = ? AND number = ?`, policyID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &BannedEntry{PolicyID: r.PolicyID, Number: r.Number, Reason: r.Reason, BannedAt: fromMS(r.BannedAt)}, nil
}

func (s *sqliteStore) AddBan(ctx context.Context, policyID, number, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_users (policy_id, number, reason, banned_at_ms)
		VALUES (?,?,?,?)
		ON CONFLICT(policy_id, number) DO NOTHING`,
		policyID, number, reason, ms(time.Now()))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) RemoveBan(ctx context.Context, policyID, number string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM banned_users WHERE policy_id = ? AND number = ?`, policyID, number)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListBans(ctx context.Context, policyID string) ([]BannedEntry, error) {
	var rows []banRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM banned_users WHERE policy_id = ? ORDER BY banned_at_ms`, policyID); err != nil {
		return nil, err
	}
	out := make([]BannedEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, BannedEntry{PolicyID: r.PolicyID, Number: r.Number, Reason: r.Reason, BannedAt: fromMS(r.BannedAt)})
	}
	return out, nil
}

// ---- contact snapshots ----

type exportRow struct {
	ID        string         `db:"id"`
	SessionID string         `db:"session_id"`
	GroupName string         `db:"group_name"`
	Contacts  string         `db:"contacts"`
	CreatedAt int64          `db:"created_at_ms"`
	Username  sql.NullString `db:"username"`
	UserID    sql.NullString `db:"user_id"`
}

func (r exportRow) toExport() (ContactExport, error) {
	var contacts []string
	if err := json.Unmarshal([]byte(r.Contacts), &contacts); err != nil {
		return ContactExport{}, fmt.Errorf("decode contacts for export %s: %w", r.ID, err)
	}
	return ContactExport{
		ID:        r.ID,
		SessionID: r.SessionID,
		GroupName: r.GroupName,
		Contacts:  contacts,
		CreatedAt: fromMS(r.CreatedAt),
		Username:  r.Username.String,
		UserID:    r.UserID.String,
	}, nil
}

func (s *sqliteStore) SaveContactExport(ctx context.Context, sessionID, groupName string, contacts []string) (*ContactExport, error) {
	blob, err := json.Marshal(contacts)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	e := ContactExport{ID: uuid.NewString(), SessionID: sessionID, GroupName: groupName, Contacts: contacts, CreatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_exports (id, session_id, group_name, contacts, created_at_ms) VALUES (?,?,?,?,?)`,
		e.ID, sessionID, groupName, string(blob), ms(now)); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) ContactExport(ctx context.Context, id string) (*ContactExport, error) {
	var r exportRow
	err := s.db.GetContext(ctx, &r,
		`SELECT id, session_id, group_name, contacts, created_at_ms FROM contact_exports WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e, err := r.toExport()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) ContactExports(ctx context.Context, sessionID string) ([]ContactExport, error) {
	var rows []exportRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, group_name, contacts, created_at_ms
		FROM contact_exports WHERE session_id = ? ORDER BY created_at_ms DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	return rowsToExports(rows)
}

func (s *sqliteStore) AllContactExports(ctx context.Context) ([]ContactExport, error) {
	var rows []exportRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT e.id, e.session_id, e.group_name, e.contacts, e.created_at_ms,
		       u.username, u.id AS user_id
		FROM contact_exports e
		LEFT JOIN sessions s ON s.id = e.session_id
		LEFT JOIN users u ON u.id = s.user_id
		ORDER BY e.created_at_ms DESC`)
	if err != nil {
		return nil, err
	}
	return rowsToExports(rows)
}

func rowsToExports(rows []exportRow) ([]ContactExport, error) {
	out := make([]ContactExport, 0, len(rows))
	for _, r := range rows {
		e, err := r.toExport()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ---- quota grants ----

type quotaRow struct {
	UserID       string `db:"user_id"`
	PremiumUntil int64  `db:"premium_until_ms"`
	CreatedAt    int64  `db:"created_at_ms"`
	UpdatedAt    int64  `db:"updated_at_ms"`
}

func (s *sqliteStore) QuotaGrant(ctx context.Context, userID string) (*QuotaGrant, error) {
	var r quotaRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM quota_grants WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &QuotaGrant{
		UserID:       r.UserID,
		PremiumUntil: fromMS(r.PremiumUntil),
		CreatedAt:    fromMS(r.CreatedAt),
		UpdatedAt:    fromMS(r.UpdatedAt),
	}, nil
}

func (s *sqliteStore) GrantQuota(ctx context.Context, userID string, until time.Time) error {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_grants (user_id, premium_until_ms, created_at_ms, updated_at_ms)
		VALUES (?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			premium_until_ms = excluded.premium_until_ms,
			updated_at_ms = excluded.updated_at_ms`,
		userID, ms(until), now, now)
	return err
}

func (s *sqliteStore) RevokeQuota(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM quota_grants WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) IsQuotaActive(ctx context.Context, userID string, now time.Time) (bool, error) {
	g, err := s.QuotaGrant(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.Active(now), nil
}

func (s *sqliteStore) PruneExpiredQuota(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quota_grants WHERE premium_until_ms <= ?`, ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- operator settings ----

func (s *sqliteStore) AdminSettings(ctx context.Context) (*AdminSettings, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_settings (id, repo_message, admin_number, updated_at_ms)
		VALUES (1, ?, '', ?)
		ON CONFLICT(id) DO NOTHING`,
		defaultRepoMessage, ms(time.Now())); err != nil {
		return nil, err
	}
	var r struct {
		RepoMessage string `db:"repo_message"`
		AdminNumber string `db:"admin_number"`
	}
	if err := s.db.GetContext(ctx, &r,
		`SELECT repo_message, admin_number FROM admin_settings WHERE id = 1`); err != nil {
		return nil, err
	}
	return &AdminSettings{RepoMessage: r.RepoMessage, AdminNumber: r.AdminNumber}, nil
}

func (s *sqliteStore) UpdateAdminSettings(ctx context.Context, in AdminSettings) error {
	if _, err := s.AdminSettings(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE admin_settings SET repo_message = ?, admin_number = ?, updated_at_ms = ? WHERE id = 1`,
		in.RepoMessage, in.AdminNumber, ms(time.Now()))
	return err
}
