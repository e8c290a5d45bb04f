package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

type command struct {
	name    string
	summary string
	run     func(args []string) int
}

var commands = []command{
	{"health", "Verify database connectivity", runHealth},
	{"scan", "Print duplicate suggestions without persisting them", runScan},
	{"promote", "Scan and upsert suggestions into duplicate cases", runPromote},
	{"merge-history", "List merge operations", runMergeHistory},
	{"rollback", "Roll back a merge operation inside its window", runRollback},
	{"sweep-expired", "Store the expired status on closed merge windows", runSweepExpired},
	{"release-claims", "Free users left mid-merge by an interrupted commit", runReleaseClaims},
	{"serve", "Start the admin API server", runServe},
}

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	switch name {
	case "help", "--help", "-h":
		printUsage(os.Stderr)
		return 0
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(args[1:])
		}
	}

	fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
	printUsage(os.Stderr)
	return 2
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, "dupehub CLI\n\nUsage:\n  dupehub <command> [flags]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, cmd := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	_ = tw.Flush()
	fmt.Fprintln(w, "\nUse \"dupehub <command> -h\" for command-specific flags.")
}
