// Package main provides the recordctl CLI, a remote control for recordd.
//
// Usage:
//
//	recordctl [flags] <command>
//
// Commands:
//
//	record   - Start recording and transcribing
//	stop     - Stop the current recording
//	status   - Print the recorder state
//	watch    - Follow the status text live
//	version  - Print the CLI version
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-record/cmd/recordctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
