package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"horse.fit/dupehub/internal/cli"
	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/merge"
)

func runMergeHistory(args []string) int {
	fs := flag.NewFlagSet("merge-history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	userID := fs.String("user-id", "", "Only operations where this user is source or target")
	status := fs.String("status", "", "Filter by effective status: completed, rolled_back or expired")
	page := fs.Int("page", 1, "Page number")
	pageSize := fs.Int("page-size", 50, "Page size")
	asJSON := fs.Bool("json", false, "Print the page as JSON")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, code := loadEnvironment(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("merge-history failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer svc.Close()

	history, err := svc.merge.ListMergeHistory(ctx, merge.HistoryFilter{
		UserID: *userID,
		Status: duplicates.MergeStatus(strings.TrimSpace(*status)),
		Page:   db.Page{Page: *page, PageSize: *pageSize},
	})
	if err != nil {
		if errors.Is(err, duplicates.ErrValidation) {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		logger.Error().Err(err).Msg("merge-history failed")
		fmt.Fprintf(os.Stderr, "Merge history failed: %v\n", err)
		return 1
	}

	if *asJSON {
		encoded, err := json.MarshalIndent(history, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode history: %v\n", err)
			return 1
		}
		fmt.Println(string(encoded))
		return 0
	}

	printMergeHistory(os.Stdout, history)
	return 0
}

func printMergeHistory(w io.Writer, history *merge.HistoryPage) {
	fmt.Fprintf(w, "merge-history total=%d page=%d page_size=%d\n", history.Total, history.Page, history.PageSize)
	for _, op := range history.Operations {
		fmt.Fprintf(w, "%s %-11s %s -> %s by=%s created=%s expires=%s moved=%d\n",
			op.ID,
			op.Status,
			op.SourceUserID,
			op.TargetUserID,
			op.PerformedBy,
			op.CreatedAt.UTC().Format(time.RFC3339),
			op.RollbackExpiresAt.UTC().Format(time.RFC3339),
			countMoved(op.MovedRefs),
		)
	}
}

func countMoved(refs []duplicates.MovedRef) int {
	total := 0
	for _, ref := range refs {
		total += len(ref.IDs)
	}
	return total
}

func runRollback(args []string) int {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	operationID := fs.String("id", "", "Merge operation id")
	performedBy := fs.String("admin", "", "Admin id recorded as the rollback performer")
	force := fs.Bool("force", false, "Skip the confirmation prompt")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*operationID) == "" && fs.NArg() > 0 {
		*operationID = fs.Arg(0)
	}
	if strings.TrimSpace(*operationID) == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		return 2
	}
	if strings.TrimSpace(*performedBy) == "" {
		fmt.Fprintln(os.Stderr, "--admin is required")
		return 2
	}

	cfg, logger, code := loadEnvironment(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("rollback failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer svc.Close()

	op, err := svc.merge.Operation(ctx, *operationID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
		return 1
	}
	if !op.CanRollback {
		fmt.Fprintf(os.Stderr, "Rollback refused: operation %s is %s\n", op.ID, op.Status)
		return 1
	}

	if !*force {
		prompt := fmt.Sprintf(
			"Roll back merge %s (%s -> %s, %d moved records, window closes %s)?",
			op.ID,
			op.SourceUserID,
			op.TargetUserID,
			countMoved(op.MovedRefs),
			op.RollbackExpiresAt.UTC().Format(time.RFC3339),
		)
		ok, err := confirm(os.Stdin, os.Stdout, prompt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read confirmation: %v\n", err)
			return 1
		}
		if !ok {
			fmt.Println("rollback aborted")
			return 0
		}
	}

	result, err := svc.merge.Rollback(ctx, op.ID, *performedBy)
	if err != nil {
		logger.Error().Err(err).Str("operation_id", op.ID).Msg("rollback failed")
		fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
		return 1
	}

	fmt.Printf("rollback operation=%s status=%s restored=%s\n", result.OperationID, result.Status, formatCounts(result.RestoredCounts))
	return 0
}

// confirm asks a yes/no question. Anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func formatCounts(counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s:%d", label, counts[label]))
	}
	return strings.Join(parts, ",")
}

func runSweepExpired(args []string) int {
	fs := flag.NewFlagSet("sweep-expired", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, code := loadEnvironment(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("sweep-expired failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer svc.Close()

	n, err := svc.merge.SweepExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("sweep-expired failed")
		fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
		return 1
	}
	fmt.Printf("sweep-expired expired=%d\n", n)
	return 0
}

func runReleaseClaims(args []string) int {
	fs := flag.NewFlagSet("release-claims", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	olderThan := fs.Duration("older-than", 15*time.Minute, "Only release claims at least this old")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "--older-than must be positive")
		return 2
	}

	cfg, logger, code := loadEnvironment(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("release-claims failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer svc.Close()

	released, err := svc.merge.ReleaseStaleClaims(ctx, *olderThan)
	if err != nil {
		logger.Error().Err(err).Msg("release-claims failed")
		fmt.Fprintf(os.Stderr, "Release failed: %v\n", err)
		return 1
	}
	fmt.Printf("release-claims released=%d\n", len(released))
	for _, id := range released {
		fmt.Printf("  %s\n", id)
	}
	return 0
}
