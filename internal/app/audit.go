package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"yield-guard/internal/audit"
)

// Audit prints recent audit events, optionally for one proposal.
func (a *App) Audit(ctx context.Context, opts AuditOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show audit events")
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := store.ListRecentAuditEvents(ctx, opts.ProposalID, opts.Limit)
	if err != nil {
		return err
	}
	return renderAuditEvents(os.Stdout, events)
}

func renderAuditEvents(out io.Writer, events []audit.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "no audit events found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEvent\tProposal\tHash\tSettlement\tDetails")
	for _, e := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			e.EventType,
			e.ProposalID,
			shorten(e.InstructionHash),
			e.SettlementRef,
			formatDetails(e.Details),
		)
	}
	return writer.Flush()
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+sanitizeInline(details[k]))
	}
	return strings.Join(parts, " ")
}

func shorten(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:10] + "…" + hash[len(hash)-4:]
}
