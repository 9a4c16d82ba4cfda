// Package main provides the entry point for the tasker CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jcoletaylor/tasker-sub003/internal/cli"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Build metadata, injected via -ldflags at release time.
var (
	version string
	commit  string
	date    string
)

func main() {
	ctx := context.Background()

	err := cli.Execute(ctx, cli.BuildInfo{Version: version, Commit: commit, Date: date})
	cli.CloseLogFile()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if _, action := errors.Actionable(err); action != "" {
		fmt.Fprintf(os.Stderr, "hint: %s\n", action)
	}
	os.Exit(cli.ExitCodeForError(err))
}
