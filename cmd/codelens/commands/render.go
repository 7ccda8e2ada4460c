package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/engine"
)

// Lipgloss styles for terminal output.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("105")). // Purple
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10")) // Green

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")). // Red
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Gray

	barDoneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // Cyan
)

const progressBarWidth = 30

// renderProgressLine draws a single-line progress bar, overwriting the
// previous one with a carriage return.
func renderProgressLine(w io.Writer, snap engine.Snapshot) {
	done := int(snap.Percentage / 100 * progressBarWidth)
	if done > progressBarWidth {
		done = progressBarWidth
	}
	bar := barDoneStyle.Render(strings.Repeat("█", done)) +
		dimStyle.Render(strings.Repeat("░", progressBarWidth-done))

	line := fmt.Sprintf("\r%s %3.0f%%  %d/%d done", bar, snap.Percentage,
		snap.Completed+snap.Failed+snap.Skipped, snap.Total)
	if snap.Running > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %d running", snap.Running))
	}
	if snap.CacheHits > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %d cached", snap.CacheHits))
	}
	if snap.ETASeconds > 0 {
		line += dimStyle.Render(fmt.Sprintf("  eta %s", (time.Duration(snap.ETASeconds * float64(time.Second))).Round(time.Second)))
	}
	fmt.Fprint(w, line+"\033[K")
}

func styleJobStatus(status analysis.JobStatus) string {
	switch status {
	case analysis.JobCompleted:
		return okStyle.Render(string(status))
	case analysis.JobCompletedWithErrors, analysis.JobCancelled:
		return warnStyle.Render(string(status))
	default:
		return dimStyle.Render(string(status))
	}
}

func styleItemStatus(status analysis.ItemStatus) string {
	switch status {
	case analysis.ItemCompleted:
		return okStyle.Render(string(status))
	case analysis.ItemFailed:
		return failStyle.Render(string(status))
	case analysis.ItemSkipped:
		return warnStyle.Render(string(status))
	default:
		return dimStyle.Render(string(status))
	}
}

// renderJobSummary prints the job outcome with a per-item table.
func renderJobSummary(w io.Writer, job *analysis.Job) {
	fmt.Fprintf(w, "\n%s %s\n", headerStyle.Render("Job"), job.ID)
	fmt.Fprintf(w, "Status: %s", styleJobStatus(job.Status))
	if job.Degraded {
		fmt.Fprintf(w, " %s", warnStyle.Render("(degraded: some writes were retried from memory)"))
	}
	fmt.Fprintln(w)
	if !job.StartedAt.IsZero() && !job.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSTATUS\tATTEMPTS\tCACHE\tDETAIL")
	for _, it := range job.Items {
		detail := ""
		switch {
		case it.Failure != nil:
			detail = it.Failure.Error()
		case it.SkipReason != "":
			detail = string(it.SkipReason)
		}
		cached := ""
		if it.CacheHit {
			cached = "hit"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", it.ID, styleItemStatus(it.Status), it.Attempt, cached, detail)
	}
	tw.Flush()
}

// renderJobTable prints a job listing.
func renderJobTable(w io.Writer, metas []jobRow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tITEMS\tCREATED")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.ID, styleJobStatus(m.Status), m.ItemCount, m.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

type jobRow struct {
	ID        string
	Status    analysis.JobStatus
	ItemCount int
	CreatedAt time.Time
}
