package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sessionfold/sessionfold/internal/consolidate"
	"github.com/sessionfold/sessionfold/internal/model"
)

const (
	compactThreshold = 100 // Terminal width below which compact mode kicks in
	defaultWidth     = 120
)

// TableOptions controls table display behavior
type TableOptions struct {
	ForceCompact bool
}

// shouldUseCompact determines if compact mode should be used
func shouldUseCompact(opts TableOptions) bool {
	if opts.ForceCompact {
		return true
	}
	return terminalWidth() < compactThreshold
}

// FormatDecimal renders a decimal without trailing noise.
func FormatDecimal(d decimal.Decimal) string {
	return d.String()
}

// FormatFee formats a monetary value for display. Rounding happens here
// and only here; stored sums stay exact.
func FormatFee(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// PrintRecords prints consolidated session records as a formatted table.
func PrintRecords(records []model.ConsolidatedRecord, opts TableOptions) {
	if len(records) == 0 {
		fmt.Println("No consolidated records.")
		return
	}

	compact := shouldUseCompact(opts)

	if compact {
		// Compact: ID, User, Date, B, Volume
		fmt.Println()
		fmt.Printf("%6s  %-12s  %-10s  %1s  %12s\n", "ID", "User", "Date", "B", "Volume")
		fmt.Println(strings.Repeat("─", 6+2+12+2+10+2+1+2+12))
		for _, r := range records {
			user := r.UserID
			if len(user) > 12 {
				user = user[:12]
			}
			fmt.Printf("%6d  %-12s  %-10s  %d  %12s\n",
				r.ID, user, r.Date, r.Bucket, FormatDecimal(r.Volume))
		}
		fmt.Println()
		fmt.Println("(Compact mode - expand terminal for full view)")
		return
	}

	userWidth := len("User")
	for _, r := range records {
		if len(r.UserID) > userWidth {
			userWidth = len(r.UserID)
		}
	}

	fmt.Println()
	fmt.Printf("%6s  %-*s  %-10s  %-8s  %-6s  %-20s  %12s  %10s\n",
		"ID", userWidth, "User", "Date", "Platform", "Bucket", "First Contact", "Volume", "Fee")
	line := 6 + 2 + userWidth + 2 + 10 + 2 + 8 + 2 + 6 + 2 + 20 + 2 + 12 + 2 + 10
	fmt.Println(strings.Repeat("─", line))

	totalVolume := decimal.Zero
	totalFee := decimal.Zero
	for _, r := range records {
		fmt.Printf("%6d  %-*s  %-10s  %-8s  %-6d  %-20s  %12s  %10s\n",
			r.ID, userWidth, r.UserID, r.Date, r.Platform, r.Bucket,
			r.RepresentativeTimestamp.UTC().Format("2006-01-02 15:04:05"),
			FormatDecimal(r.Volume), FormatFee(r.Fee))
		totalVolume = totalVolume.Add(r.Volume)
		totalFee = totalFee.Add(r.Fee)
	}

	if len(records) > 1 {
		fmt.Println(strings.Repeat("─", line))
		fmt.Printf("%6s  %-*s  %-10s  %-8s  %-6s  %-20s  %12s  %10s\n",
			"", userWidth, "Total", "", "", "", "",
			FormatDecimal(totalVolume), FormatFee(totalFee))
	}
	fmt.Println()
}

// PrintImpacts prints the per-partition reduction view.
func PrintImpacts(impacts []consolidate.Impact, opts TableOptions) {
	if len(impacts) == 0 {
		fmt.Println("No partitions in this run.")
		return
	}

	userWidth := len("User")
	for _, imp := range impacts {
		if len(imp.Key.UserID) > userWidth {
			userWidth = len(imp.Key.UserID)
		}
	}

	fmt.Println()
	fmt.Printf("%-*s  %-10s  %-8s  %8s  %8s  %10s  %10s  %s\n",
		userWidth, "User", "Date", "Platform", "Raw", "Records", "Reduction", "Span", "Flag")
	line := userWidth + 2 + 10 + 2 + 8 + 2 + 8 + 2 + 8 + 2 + 10 + 2 + 10 + 2 + 4
	fmt.Println(strings.Repeat("─", line))

	flagged := 0
	for _, imp := range impacts {
		flag := ""
		if imp.Flagged {
			flag = "!"
			flagged++
		}
		fmt.Printf("%-*s  %-10s  %-8s  %8d  %8d  %9.1f%%  %10s  %s\n",
			userWidth, imp.Key.UserID, imp.Key.Date, imp.Key.Platform,
			imp.RawCount, imp.RecordCount, imp.Reduction*100,
			imp.Span.Round(time.Second), flag)
	}

	fmt.Println()
	fmt.Printf("%d partition(s), %d flagged for review\n", len(impacts), flagged)
	fmt.Println()
}

// PrintRunSummary prints the skip/failure summary of a run to stderr so
// it never mixes with piped table or JSON output.
func PrintRunSummary(run *consolidate.Run) {
	if run.NullIdentity > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d event(s) without identity\n", run.NullIdentity)
	}
	for _, m := range run.Malformed {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", m)
	}
	for _, f := range run.Failed {
		fmt.Fprintf(os.Stderr, "failed: %v\n", f)
	}
}

// jsonRecord is the JSON output shape of one consolidated record.
type jsonRecord struct {
	ID                      int64           `json:"id"`
	UserID                  string          `json:"user_id"`
	Date                    string          `json:"date"`
	Platform                model.Platform  `json:"platform"`
	Bucket                  int             `json:"bucket"`
	RepresentativeTimestamp time.Time       `json:"representative_timestamp"`
	Volume                  decimal.Decimal `json:"volume"`
	Fee                     decimal.Decimal `json:"fee"`
}

// jsonOutput wraps records with the run's skip summary.
type jsonOutput struct {
	Records          []jsonRecord `json:"records"`
	NullIdentity     int          `json:"null_identity_skipped"`
	MalformedSkipped []string     `json:"malformed_skipped,omitempty"`
	FailedPartitions []string     `json:"failed_partitions,omitempty"`
}

// PrintJSON outputs a run as JSON.
func PrintJSON(run *consolidate.Run) error {
	out := jsonOutput{
		Records:      make([]jsonRecord, len(run.Records)),
		NullIdentity: run.NullIdentity,
	}
	for i, r := range run.Records {
		out.Records[i] = jsonRecord{
			ID:                      r.ID,
			UserID:                  r.UserID,
			Date:                    r.Date,
			Platform:                r.Platform,
			Bucket:                  r.Bucket,
			RepresentativeTimestamp: r.RepresentativeTimestamp.UTC(),
			Volume:                  r.Volume,
			Fee:                     r.Fee,
		}
	}
	for _, m := range run.Malformed {
		out.MalformedSkipped = append(out.MalformedSkipped, m.Error())
	}
	for _, f := range run.Failed {
		out.FailedPartitions = append(out.FailedPartitions, f.Error())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
