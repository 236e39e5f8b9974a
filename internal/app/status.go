package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// Status prints run metadata and per-table counts.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	status, err := store.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Table\tRows")
	fmt.Fprintf(w, "sofr_rates\t%d\n", status.Counts.SOFR)
	fmt.Fprintf(w, "effr_rates\t%d\n", status.Counts.EFFR)
	fmt.Fprintf(w, "policy_rates\t%d\n", status.Counts.Policy)
	fmt.Fprintf(w, "rrp_operations\t%d\n", status.Counts.RRP)
	fmt.Fprintf(w, "SOFR range\t%s .. %s\n", orDash(status.EarliestDate), orDash(status.LatestDate))
	fmt.Fprintln(w)

	if len(status.Metadata) == 0 {
		fmt.Fprintln(w, "no sync metadata recorded")
		return w.Flush()
	}

	keys := make([]string, 0, len(status.Metadata))
	for k := range status.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "Key\tValue\tUpdated (UTC)")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			k,
			sanitizeInline(status.Metadata[k]),
			status.UpdatedAt[k].UTC().Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
