package acceptor

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/qa-infra/qa-acceptor/types"
)

// printResultsTable renders the per-case outcomes of a finished run to
// stdout.
func (a *Acceptor) printResultsTable(record *types.RunRecord, state types.RunState) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Suite %s / run %s (%s)", record.Suite, record.RunID, state))

	t.AppendHeader(table.Row{"Case", "Status", "Duration", "Attempts", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Attempts", Align: text.AlignRight},
	})

	caseIDs := make([]string, 0, len(record.Outcomes))
	for id := range record.Outcomes {
		caseIDs = append(caseIDs, id)
	}
	sort.Strings(caseIDs)

	for _, id := range caseIDs {
		o := record.Outcomes[id]
		detail := ""
		if o.Detail != nil {
			detail = o.Detail.Message
		}
		t.AppendRow(table.Row{
			o.CaseName,
			colorStatus(o.Status),
			o.Duration.Round(time.Millisecond),
			o.Attempts,
			detail,
		})
	}

	stats := record.Stats()
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d cases", stats.Total),
		colorOverall(record.OverallStatus()),
		record.End.Sub(record.Start).Round(time.Millisecond),
		"", "",
	})
	t.Render()

	summary := color.New(color.FgGreen, color.Bold)
	if stats.Failed > 0 || stats.Errored > 0 || state == types.RunStateAborted {
		summary = color.New(color.FgRed, color.Bold)
	}
	summary.Printf("passed: %d  failed: %d  errored: %d  skipped: %d\n",
		stats.Passed, stats.Failed, stats.Errored, stats.Skipped)
}

func colorStatus(s types.Status) string {
	switch s {
	case types.StatusPassed:
		return color.GreenString(string(s))
	case types.StatusFailed:
		return color.RedString(string(s))
	case types.StatusErrored:
		return color.HiRedString(string(s))
	case types.StatusSkipped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorOverall(s types.Status) string {
	if s == types.StatusPassed {
		return color.GreenString("PASS")
	}
	return color.RedString(string(s))
}
