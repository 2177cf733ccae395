package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gzhole/skillshield/internal/analyzer"
	"github.com/gzhole/skillshield/internal/logger"
)

var (
	logMinTier string
	logLast    int
	logSummary bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the scan audit log",
	Long: `View the SkillShield audit log with filtering and summary options.

Examples:
  skillshield log                        # Show all scans
  skillshield log --last 20              # Show the last 20 scans
  skillshield log --min-tier HIGH        # Show only HIGH and CRITICAL verdicts
  skillshield log --summary              # Show summary stats`,
	Args: cobra.NoArgs,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logMinTier, "min-tier", "", "Show only verdicts at or above this tier")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, _ []string) error {
	path := cfg.AuditLogPath()
	events, err := readAuditLog(path)
	if err != nil {
		return errors.Wrap(err, "failed to read audit log")
	}
	out := cmd.OutOrStdout()

	if len(events) == 0 {
		fmt.Fprintln(out, "No audit log entries found.")
		return nil
	}

	filtered := events
	if logMinTier != "" {
		floor, err := analyzer.ParseTier(logMinTier)
		if err != nil {
			return err
		}
		filtered = filterByTier(events, floor)
	}
	if logLast > 0 && logLast < len(filtered) {
		filtered = filtered[len(filtered)-logLast:]
	}

	if logSummary {
		printSummary(out, events)
		return nil
	}
	printEvents(out, filtered)
	return nil
}

func readAuditLog(path string) ([]logger.AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []logger.AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event logger.AuditEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // skip malformed lines
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// filterByTier keeps events at or above floor. Failed scans carry no tier and
// are always kept.
func filterByTier(events []logger.AuditEvent, floor analyzer.Tier) []logger.AuditEvent {
	var filtered []logger.AuditEvent
	for _, e := range events {
		if e.Error != "" {
			filtered = append(filtered, e)
			continue
		}
		t, err := analyzer.ParseTier(e.Tier)
		if err != nil || t < floor {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func printEvents(w io.Writer, events []logger.AuditEvent) {
	for _, e := range events {
		ts := formatTimestamp(e.Timestamp)
		if e.Error != "" {
			fmt.Fprintf(w, "%s %s %-8s %s\n", tierIcon(""), ts, "ERROR", e.Path)
			fmt.Fprintf(w, "     Error: %s\n\n", e.Error)
			continue
		}
		incomplete := ""
		if e.Incomplete {
			incomplete = " [INCOMPLETE]"
		}
		fmt.Fprintf(w, "%s %s %-8s %3d  %s (%s)%s\n", tierIcon(e.Tier), ts, e.Tier, e.Score, e.Package, e.Mode, incomplete)
		if len(e.Headline) > 0 {
			fmt.Fprintf(w, "     Rules: %s\n", strings.Join(e.Headline, ", "))
		}
		if len(e.Gaps) > 0 {
			fmt.Fprintf(w, "     Undisclosed: %s\n", strings.Join(e.Gaps, ", "))
		}
		fmt.Fprintf(w, "     Path: %s\n\n", e.Path)
	}
}

func printSummary(w io.Writer, all []logger.AuditEvent) {
	counts := map[string]int{}
	errorCount := 0
	for _, e := range all {
		if e.Error != "" {
			errorCount++
			continue
		}
		counts[e.Tier]++
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintln(w, "  SkillShield Audit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintf(w, "  Total scans:     %d\n", len(all))
	for _, tier := range []string{"SAFE", "LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		fmt.Fprintf(w, "  %-16s %d\n", tier+":", counts[tier])
	}
	fmt.Fprintf(w, "  Errors:          %d\n", errorCount)
	fmt.Fprintln(w, "═══════════════════════════════════════════")

	fmt.Fprintf(w, "  First scan:      %s\n", formatTimestamp(all[0].Timestamp))
	fmt.Fprintf(w, "  Last scan:       %s\n", formatTimestamp(all[len(all)-1].Timestamp))

	var blocked []logger.AuditEvent
	for _, e := range all {
		if t, err := analyzer.ParseTier(e.Tier); err == nil && t.Blocks() {
			blocked = append(blocked, e)
		}
	}
	if len(blocked) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Blocked packages:")
		limit := len(blocked)
		if limit > 10 {
			limit = 10
		}
		for _, e := range blocked[len(blocked)-limit:] {
			fmt.Fprintf(w, "    %s %-8s %s\n", formatTimestamp(e.Timestamp), e.Tier, e.Package)
		}
	}
	fmt.Fprintln(w)
}

func tierIcon(tier string) string {
	switch tier {
	case "CRITICAL", "HIGH":
		return "\xf0\x9f\x9b\x91" // stop sign
	case "MEDIUM":
		return "\xe2\x9a\xa0\xef\xb8\x8f" // warning
	case "SAFE", "LOW":
		return "\xe2\x9c\x85" // check mark
	default:
		return "\xe2\x9d\x93" // question mark
	}
}

func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
