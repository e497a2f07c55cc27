package thread

import (
	"bytes"
	"testing"
	"time"

	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/threadlist"
	"github.com/stretchr/testify/require"
)

func TestPrintPage(t *testing.T) {
	var buf bytes.Buffer
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	printPage(&buf, threadlist.Page{
		Source: threadlist.SourcePersistent,
		Threads: []model.ThreadSummary{
			{ID: "t1", Status: model.StatusIdle, UpdatedAt: updated, Title: "Plan the trip"},
		},
		HasMore: true,
	})
	require.Equal(t, "t1\tidle\t2026-03-01T12:00:00Z\tPlan the trip\n(more, source=persistent)\n", buf.String())
}

func TestListCommandHasRefreshFlag(t *testing.T) {
	cmd := listCommand(nil)
	var names []string
	for _, f := range cmd.Flags {
		names = append(names, f.Names()...)
	}
	require.Contains(t, names, "refresh")
}
