package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wabot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "engine.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateUserOwnsSession(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "alice", "AliceBot", "alice@example.com")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sess, err := st.Session(ctx, u.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != StatusInactive {
		t.Fatalf("Status = %s, want %s", sess.Status, StatusInactive)
	}
	if sess.Mode != ModePrivate {
		t.Fatalf("Mode = %s, want %s", sess.Mode, ModePrivate)
	}
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "bob", "BobBot", "")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := st.MarkConnecting(ctx, u.ID); err != nil {
		t.Fatalf("MarkConnecting: %v", err)
	}
	if err := st.SetPairingImage(ctx, u.ID, "data:image/png;base64,AAAA"); err != nil {
		t.Fatalf("SetPairingImage: %v", err)
	}
	if err := st.MarkActive(ctx, u.ID, "+6281234"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	sess, err := st.Session(ctx, u.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("Status = %s, want active", sess.Status)
	}
	if sess.ConnectedNumber != "+6281234" || sess.PairedNumber != "+6281234" {
		t.Fatalf("numbers = %q/%q, want +6281234", sess.ConnectedNumber, sess.PairedNumber)
	}
	if sess.LastActive.IsZero() {
		t.Fatal("LastActive not set")
	}

	// A fresh pairing attempt clears the live identity but keeps the
	// sticky paired number.
	if err := st.MarkConnecting(ctx, u.ID); err != nil {
		t.Fatalf("MarkConnecting: %v", err)
	}
	sess, err = st.Session(ctx, u.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.ConnectedNumber != "" {
		t.Fatalf("ConnectedNumber = %q, want cleared", sess.ConnectedNumber)
	}
	if sess.PairingImage != "" {
		t.Fatalf("PairingImage = %q, want cleared", sess.PairingImage)
	}
	if sess.PairedNumber != "+6281234" {
		t.Fatalf("PairedNumber = %q, want sticky", sess.PairedNumber)
	}
}

func TestUpdateUnknownSession(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.MarkInactive(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("MarkInactive = %v, want ErrNotFound", err)
	}
}

func TestLinkWarningIncrements(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "carol", "CarolBot", "")
	sess, _ := st.Session(ctx, u.ID)
	policy, err := st.EnsureGroupPolicy(ctx, sess.ID, "g1@g.us", "Test Group")
	if err != nil {
		t.Fatalf("EnsureGroupPolicy: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := st.IncrementLinkWarning(ctx, policy.ID, "+111")
		if err != nil {
			t.Fatalf("IncrementLinkWarning: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}
	if err := st.DeleteLinkWarning(ctx, policy.ID, "+111"); err != nil {
		t.Fatalf("DeleteLinkWarning: %v", err)
	}
	n, err := st.LinkWarningCount(ctx, policy.ID, "+111")
	if err != nil {
		t.Fatalf("LinkWarningCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("count after delete = %d, want 0", n)
	}
}

func TestBanRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "dave", "DaveBot", "")
	sess, _ := st.Session(ctx, u.ID)
	policy, _ := st.EnsureGroupPolicy(ctx, sess.ID, "g2@g.us", "Ban Group")

	created, err := st.AddBan(ctx, policy.ID, "+222", "spam")
	if err != nil || !created {
		t.Fatalf("AddBan = (%v, %v), want created", created, err)
	}
	created, err = st.AddBan(ctx, policy.ID, "+222", "again")
	if err != nil {
		t.Fatalf("AddBan repeat: %v", err)
	}
	if created {
		t.Fatal("repeat AddBan reported created")
	}
	banned, err := st.BannedUser(ctx, policy.ID, "+222")
	if err != nil {
		t.Fatalf("BannedUser: %v", err)
	}
	if banned.Reason != "spam" {
		t.Fatalf("Reason = %q, want original reason kept", banned.Reason)
	}

	removed, err := st.RemoveBan(ctx, policy.ID, "+222")
	if err != nil || !removed {
		t.Fatalf("RemoveBan = (%v, %v), want removed", removed, err)
	}
	removed, err = st.RemoveBan(ctx, policy.ID, "+222")
	if err != nil {
		t.Fatalf("RemoveBan repeat: %v", err)
	}
	if removed {
		t.Fatal("repeat RemoveBan reported removed")
	}
}

func TestQuotaExpiryBoundary(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "erin", "ErinBot", "")
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.GrantQuota(ctx, u.ID, until); err != nil {
		t.Fatalf("GrantQuota: %v", err)
	}

	active, err := st.IsQuotaActive(ctx, u.ID, until.Add(-time.Second))
	if err != nil || !active {
		t.Fatalf("IsQuotaActive before expiry = (%v, %v), want active", active, err)
	}
	// Expiry is exclusive: a grant is dead at its own expiry instant.
	active, err = st.IsQuotaActive(ctx, u.ID, until)
	if err != nil {
		t.Fatalf("IsQuotaActive: %v", err)
	}
	if active {
		t.Fatal("grant still active at expiry instant")
	}

	pruned, err := st.PruneExpiredQuota(ctx, until)
	if err != nil {
		t.Fatalf("PruneExpiredQuota: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
}

func TestContactExportRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "frank", "FrankBot", "")
	sess, _ := st.Session(ctx, u.ID)

	saved, err := st.SaveContactExport(ctx, sess.ID, "Export Group", []string{"+1", "+2", "+3"})
	if err != nil {
		t.Fatalf("SaveContactExport: %v", err)
	}
	got, err := st.ContactExport(ctx, saved.ID)
	if err != nil {
		t.Fatalf("ContactExport: %v", err)
	}
	if got.GroupName != "Export Group" || len(got.Contacts) != 3 {
		t.Fatalf("export = %q/%d contacts, want Export Group/3", got.GroupName, len(got.Contacts))
	}

	all, err := st.AllContactExports(ctx)
	if err != nil {
		t.Fatalf("AllContactExports: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1", len(all))
	}
	if all[0].Username != "frank" {
		t.Fatalf("Username = %q, want frank", all[0].Username)
	}
}

func TestAuditPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "grace", "GraceBot", "")
	sess, _ := st.Session(ctx, u.ID)

	for i := 0; i < 3; i++ {
		if err := st.AppendAudit(ctx, sess.ID, AuditInfo, "entry"); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	entries, err := st.RecentAudit(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}

	n, err := st.PruneAudit(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned = %d, want 3", n)
	}
}

func TestAdminSettingsDefaults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	settings, err := st.AdminSettings(ctx)
	if err != nil {
		t.Fatalf("AdminSettings: %v", err)
	}
	if settings.RepoMessage == "" {
		t.Fatal("default repo message missing")
	}

	settings.AdminNumber = "+628111"
	if err := st.UpdateAdminSettings(ctx, *settings); err != nil {
		t.Fatalf("UpdateAdminSettings: %v", err)
	}
	got, err := st.AdminSettings(ctx)
	if err != nil {
		t.Fatalf("AdminSettings reload: %v", err)
	}
	if got.AdminNumber != "+628111" {
		t.Fatalf("AdminNumber = %q, want +628111", got.AdminNumber)
	}
}
