package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitStorageError = 3
	ExitRunFailed    = 4
	ExitIncomplete   = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "generate":
		return runGenerate(cmdArgs)
	case "check":
		return runCheck(cmdArgs)
	case "consolidate":
		return runConsolidate(cmdArgs)
	case "register":
		return runRegister(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: lra <command> [options]

Commands:
  generate     Run the archive generation pipeline for one request
  check        Classify one archive file as complete or incomplete
  consolidate  Merge completed years of monthly chunks into yearly files
  register     Rebuild catalog entries from an existing archive tree

Run 'lra <command> -h' for command-specific help.`)
}
