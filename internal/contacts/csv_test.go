package contacts

import (
	"context"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"

	"wabot/internal/storage"
	"wabot/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "csv.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestExportCSV(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "csvuser", "CSVBot", "")
	sess, _ := st.Session(ctx, u.ID)
	if _, err := st.SaveContactExport(ctx, sess.ID, "Group A", []string{"+1", "+2"}); err != nil {
		t.Fatalf("SaveContactExport: %v", err)
	}
	if _, err := st.SaveContactExport(ctx, sess.ID, "Group B", []string{"+3"}); err != nil {
		t.Fatalf("SaveContactExport: %v", err)
	}

	out, err := ExportCSV(ctx, st, sess.ID)
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	// Header plus one row per contact.
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if got := strings.Join(rows[0], ","); got != "Group Name,Phone Number,Extracted At" {
		t.Fatalf("header = %q", got)
	}
	for _, row := range rows[1:] {
		if len(row) != 3 {
			t.Fatalf("row = %v, want 3 columns", row)
		}
	}
}

func TestExportAllCSVAddsUsername(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "opuser", "OpBot", "")
	sess, _ := st.Session(ctx, u.ID)
	if _, err := st.SaveContactExport(ctx, sess.ID, "Group A", []string{"+1"}); err != nil {
		t.Fatalf("SaveContactExport: %v", err)
	}

	out, err := ExportAllCSV(ctx, st)
	if err != nil {
		t.Fatalf("ExportAllCSV: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0][0] != "Username" {
		t.Fatalf("header = %v, want leading Username column", rows[0])
	}
	if rows[1][0] != "opuser" {
		t.Fatalf("row = %v, want username first", rows[1])
	}
}

func TestExportCSVEmpty(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()

	u, _ := st.CreateUser(ctx, "empty", "EmptyBot", "")
	sess, _ := st.Session(ctx, u.ID)

	out, err := ExportCSV(ctx, st, sess.ID)
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want header only", len(rows))
	}
}
