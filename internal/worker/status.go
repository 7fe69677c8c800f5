package worker

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"

	"gcse-quizgen/internal/models"
)

// StatusMode selects how live progress is shown.
type StatusMode string

const (
	StatusInteractive StatusMode = "interactive"
	StatusPlain       StatusMode = "plain"
	StatusOff         StatusMode = "off"
)

const (
	minStatusInterval         = 200 * time.Millisecond
	defaultInteractiveRefresh = 500 * time.Millisecond
	defaultPlainInterval      = 10 * time.Second
	maxActiveRows             = 8
)

func ParseStatusMode(s string) (StatusMode, error) {
	switch m := StatusMode(strings.ToLower(strings.TrimSpace(s))); m {
	case StatusInteractive, StatusPlain, StatusOff:
		return m, nil
	case "":
		return StatusInteractive, nil
	default:
		return "", fmt.Errorf("invalid status mode %q (want interactive, plain or off)", s)
	}
}

// ResolveStatusMode downgrades interactive output to plain when out is not a
// terminal.
func ResolveStatusMode(mode StatusMode, out io.Writer) StatusMode {
	if mode != StatusInteractive {
		return mode
	}
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return StatusInteractive
	}
	return StatusPlain
}

// renderer draws progress at a bounded rate regardless of how often
// counters change.
type renderer struct {
	mode     StatusMode
	out      io.Writer
	logger   *slog.Logger
	progress *Progress
	lines    int
}

func newRenderer(mode StatusMode, out io.Writer, logger *slog.Logger, p *Progress) *renderer {
	return &renderer{mode: mode, out: out, logger: logger, progress: p}
}

func statusInterval(mode StatusMode, requested time.Duration) time.Duration {
	if requested <= 0 {
		if mode == StatusInteractive {
			return defaultInteractiveRefresh
		}
		return defaultPlainInterval
	}
	return max(requested, minStatusInterval)
}

func (r *renderer) render(final bool) {
	snap := r.progress.Snapshot()
	switch r.mode {
	case StatusPlain:
		r.logger.Info(SummaryLine(snap), "final", final)
	case StatusInteractive:
		r.drawTable(snap, final)
	}
}

func (r *renderer) drawTable(snap models.ProgressSnapshot, final bool) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Jobs", "Done", "Failed", "Skipped", "Running", "Calls", "Streamed", "Tokens in/think/out", "Elapsed"})
	t.AppendRow(table.Row{
		snap.Total,
		snap.Completed,
		snap.Failed,
		snap.Skipped,
		snap.InFlight,
		fmt.Sprintf("%d (%d active)", snap.ModelCalls, snap.ActiveCalls),
		humanize.Comma(snap.Chars) + " chars",
		fmt.Sprintf("%s/%s/%s", humanize.Comma(snap.PromptTokens), humanize.Comma(snap.ThinkingTokens), humanize.Comma(snap.OutputTokens)),
		time.Duration(snap.Elapsed * float64(time.Second)).Truncate(time.Second).String(),
	})

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")

	if !final {
		active := r.progress.Active()
		if len(active) > 0 {
			at := table.NewWriter()
			at.SetStyle(table.StyleLight)
			at.AppendHeader(table.Row{"Job", "Call", "Streamed", "For"})
			for i, a := range active {
				if i == maxActiveRows {
					at.AppendRow(table.Row{fmt.Sprintf("… %d more", len(active)-maxActiveRows), "", "", ""})
					break
				}
				at.AppendRow(table.Row{a.Label, a.Call, humanize.Comma(a.Chars), a.Elapsed.Truncate(time.Second).String()})
			}
			b.WriteString(at.Render())
			b.WriteString("\n")
		}
	}

	frame := b.String()
	if r.lines > 0 {
		// Move up over the previous frame and clear to end of screen.
		fmt.Fprintf(r.out, "\x1b[%dA\x1b[J", r.lines)
	}
	fmt.Fprint(r.out, frame)
	r.lines = strings.Count(frame, "\n")
}

// SummaryLine is the one-line progress format used by plain mode.
func SummaryLine(s models.ProgressSnapshot) string {
	return fmt.Sprintf("progress %d/%d done, %d failed, %d skipped, %d running | %d calls (%d active) | %s chars | tokens in %s think %s out %s | upload %s",
		s.Completed, s.Total, s.Failed, s.Skipped, s.InFlight,
		s.ModelCalls, s.ActiveCalls,
		humanize.Comma(s.Chars),
		humanize.Comma(s.PromptTokens), humanize.Comma(s.ThinkingTokens), humanize.Comma(s.OutputTokens),
		humanize.Bytes(uint64(max(s.UploadBytes, 0))),
	)
}
