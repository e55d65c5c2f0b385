package alerts

import (
	"fmt"
	"strings"

	"pm-keeper/internal/keeper"
)

// ShouldAlert reports whether a cycle report is worth paging on.
func ShouldAlert(report keeper.Report) bool {
	return report.Aborted || report.Failures() > 0
}

// CycleSummary renders a report as one line suitable for a chat message.
func CycleSummary(chain string, report keeper.Report) string {
	var b strings.Builder
	if chain != "" {
		fmt.Fprintf(&b, "[%s] ", chain)
	}
	id := report.CycleID
	if len(id) > 8 {
		id = id[:8]
	}
	fmt.Fprintf(&b, "cycle %s mode=%s", id, report.Mode)
	if report.Aborted {
		fmt.Fprintf(&b, " ABORTED: %s", report.Err)
		return b.String()
	}
	for _, p := range report.Phases {
		fmt.Fprintf(&b, " | %s %d/%d ok", p.Op, p.Succeeded, p.Batches)
		if p.Failed > 0 {
			fmt.Fprintf(&b, " failed=%d", p.Failed)
		}
		if p.Skipped > 0 {
			fmt.Fprintf(&b, " skipped=%d", p.Skipped)
		}
		if p.ReadErr != "" {
			fmt.Fprintf(&b, " read_err=%q", p.ReadErr)
		}
		if p.Cancelled {
			b.WriteString(" cancelled")
		}
	}
	fmt.Fprintf(&b, " | nonce=%d endpoint=%d", report.State.LastNonce, report.State.EndpointIndex)
	return b.String()
}
