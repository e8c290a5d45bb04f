package app

import (
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

	"github.com/fatih/color"

	"horse.fit/dupehub/internal/cli"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/scanner"
)

type scanFlags struct {
	entityType    *string
	minConfidence *int
	timeout       *time.Duration
}

func addScanFlags(fs *flag.FlagSet) scanFlags {
	return scanFlags{
		entityType:    fs.String("entity-type", "", "Limit the scan to user, property or kyc_document"),
		minConfidence: fs.Int("min-confidence", -1, "Minimum group confidence (0-100); defaults to SCAN_MIN_CONFIDENCE"),
		timeout:       fs.Duration("timeout", 2*time.Minute, "Command timeout"),
	}
}

func (f scanFlags) options(defaultMin int) (scanner.Options, error) {
	opts := scanner.Options{MinConfidence: defaultMin}
	if raw := strings.TrimSpace(*f.entityType); raw != "" {
		entityType, err := duplicates.ParseEntityType(raw)
		if err != nil {
			return scanner.Options{}, err
		}
		opts.EntityType = entityType
	}
	if *f.minConfidence >= 0 {
		if *f.minConfidence > 100 {
			return scanner.Options{}, fmt.Errorf("--min-confidence must be between 0 and 100")
		}
		opts.MinConfidence = *f.minConfidence
	}
	return opts, nil
}

func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	sf := addScanFlags(fs)
	limit := fs.Int("limit", 50, "Maximum groups to print (0 prints all)")
	asJSON := fs.Bool("json", false, "Print the raw scan result as JSON")
	noColor := fs.Bool("no-color", false, "Disable colored output")

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
	opts, err := sf.options(cfg.ScanMinConfidence)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *sf.timeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("scan failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer svc.Close()

	result, err := svc.scanner.Scan(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("scan failed")
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		return 1
	}

	logger.Info().
		Str("entity_type", string(opts.EntityType)).
		Int("min_confidence", opts.MinConfidence).
		Int("groups", len(result.Groups)).
		Int("failed_kinds", len(result.Errors)).
		Msg("scan completed")

	if *asJSON {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
			return 1
		}
		fmt.Println(string(encoded))
		return 0
	}

	printScanResult(os.Stdout, result, newPalette(!*noColor), *limit)
	if len(result.Errors) > 0 {
		return 1
	}
	return 0
}

func runPromote(args []string) int {
	fs := flag.NewFlagSet("promote", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	sf := addScanFlags(fs)

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
	opts, err := sf.options(cfg.ScanMinConfidence)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *sf.timeout)
	defer cancel()

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("promote failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer svc.Close()

	promoted, result, err := svc.hub.Promote(ctx, opts)
	if err != nil {
		logger.Error().Err(err).Msg("promote failed")
		fmt.Fprintf(os.Stderr, "Promote failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int("created", promoted.Created).
		Int("updated", promoted.Updated).
		Int("failed", promoted.Failed).
		Msg("promote completed")
	fmt.Printf(
		"promote groups=%d created=%d updated=%d failed=%d min_confidence=%d\n",
		len(result.Groups),
		promoted.Created,
		promoted.Updated,
		promoted.Failed,
		opts.MinConfidence,
	)
	if promoted.Failed > 0 || len(result.Errors) > 0 {
		return 1
	}
	return 0
}

type palette struct {
	critical func(a ...interface{}) string
	high     func(a ...interface{}) string
	medium   func(a ...interface{}) string
	low      func(a ...interface{}) string
	bold     func(a ...interface{}) string
	gray     func(a ...interface{}) string
	red      func(a ...interface{}) string
}

func newPalette(enabled bool) palette {
	sprint := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		if !enabled {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return palette{
		critical: sprint(color.FgRed, color.Bold),
		high:     sprint(color.FgYellow, color.Bold),
		medium:   sprint(color.FgYellow),
		low:      sprint(color.FgGreen),
		bold:     sprint(color.Bold),
		gray:     sprint(color.FgHiBlack),
		red:      sprint(color.FgRed),
	}
}

func (p palette) severity(level string) string {
	label := fmt.Sprintf("%-8s", strings.ToUpper(level))
	switch level {
	case scanner.SeverityCritical:
		return p.critical(label)
	case scanner.SeverityHigh:
		return p.high(label)
	case scanner.SeverityMedium:
		return p.medium(label)
	default:
		return p.low(label)
	}
}

func printScanResult(w io.Writer, result *scanner.Result, p palette, limit int) {
	kinds := make([]string, 0, len(result.Totals))
	for kind, n := range result.Totals {
		kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "%s groups=%d %s scanned_at=%s\n",
		p.bold("scan"),
		len(result.Groups),
		strings.Join(kinds, " "),
		result.ScannedAt.UTC().Format(time.RFC3339),
	)

	for i, group := range result.Groups {
		if limit > 0 && i >= limit {
			fmt.Fprintf(w, "%s\n", p.gray(fmt.Sprintf("... %d more groups", len(result.Groups)-limit)))
			break
		}
		ids := make([]string, 0, len(group.Duplicates))
		for _, dup := range group.Duplicates {
			ids = append(ids, dup.ID())
		}
		fmt.Fprintf(w, "%s %-12s %3d%% %s action=%s\n",
			p.severity(group.Smart.Severity),
			group.EntityType,
			group.Confidence,
			group.Key,
			group.Smart.RecommendedAction,
		)
		fmt.Fprintf(w, "  %s primary=%s duplicates=%s\n",
			p.gray(group.Reason),
			group.Primary.ID(),
			strings.Join(ids, ","),
		)
	}

	if len(result.Errors) > 0 {
		failed := make([]string, 0, len(result.Errors))
		for kind := range result.Errors {
			failed = append(failed, string(kind))
		}
		sort.Strings(failed)
		for _, kind := range failed {
			fmt.Fprintf(w, "%s %s: %s\n", p.red("scan error"), kind, result.Errors[duplicates.EntityType(kind)])
		}
	}
}
