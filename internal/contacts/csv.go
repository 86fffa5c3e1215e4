// Package contacts renders extracted group-member snapshots as CSV.
package contacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"time"

	"wabot/internal/storage"
)

// timeLayout is the extraction-timestamp column format.
const timeLayout = time.RFC3339

// ExportCSV renders every snapshot belonging to one session. One row per
// (group, contact) pair: group name, phone number, extraction timestamp.
func ExportCSV(ctx context.Context, store storage.Store, sessionID string) ([]byte, error) {
	exports, err := store.ContactExports(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return render(exports, false)
}

// ExportAllCSV renders every snapshot across all sessions, with a leading
// username column identifying the owning user.
func ExportAllCSV(ctx context.Context, store storage.Store) ([]byte, error) {
	exports, err := store.AllContactExports(ctx)
	if err != nil {
		return nil, err
	}
	return render(exports, true)
}

func render(exports []storage.ContactExport, withUser bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"Group Name", "Phone Number", "Extracted At"}
	if withUser {
		header = append([]string{"Username"}, header...)
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, e := range exports {
		at := e.CreatedAt.Format(timeLayout)
		for _, num := range e.Contacts {
			row := []string{e.GroupName, num, at}
			if withUser {
				row = append([]string{e.Username}, row...)
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
