package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "verify-chain":
		return runVerifyChain(args[2:], stdout, stderr)
	case "export-snapshot":
		return runExportSnapshot(args[2:], stdout, stderr)
	case "verify-snapshot":
		return runVerifySnapshot(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "trustcore - signing, audit chain, policy, and ledger core")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  trustcore [serve]            Start the HTTP server (default)")
	_, _ = fmt.Fprintln(w, "  trustcore verify-chain       Verify every audit shard in the database")
	_, _ = fmt.Fprintln(w, "  trustcore export-snapshot    Export audit shards to a portable sqlite file")
	_, _ = fmt.Fprintln(w, "  trustcore verify-snapshot    Verify an exported snapshot offline")
	_, _ = fmt.Fprintln(w, "  trustcore doctor             Check configuration and connectivity")
	_, _ = fmt.Fprintln(w, "")
}
