// Package cli implements the pdfseal command line: signing,
// verification, version. Commands translate typed errors from the
// library packages into messages and exit codes; they hold no signing
// logic of their own.
package cli

import (
	"fmt"
	"os"
)

// Version information, set from main via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is swapped out in tests.
var osExit = os.Exit

// Run dispatches to the subcommand named by args[1].
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	switch args[1] {
	case "sign":
		SignCommand(args)
	case "verify":
		VerifyCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[1])
		Usage()
		osExit(2)
	}
}

// Usage prints the top-level help.
func Usage() {
	fmt.Printf("pdfseal - sign and verify PDF documents\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  sign     Sign one or more PDF files")
	fmt.Println("  verify   Verify the signatures of a PDF file")
	fmt.Println("  version  Show version information")
	fmt.Println("  help     Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s sign -p12 signer.p12 -prompt contract.pdf\n", os.Args[0])
	fmt.Printf("  %s sign -p12 signer.p12 -stamp -stamp-rect 50,50,250,100 report.pdf\n", os.Args[0])
	fmt.Printf("  %s verify -roots ca.pem contract-signed.pdf\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("pdfseal version %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
}
