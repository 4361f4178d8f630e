// Command pretest runs pretested integration for Mercurial and Git projects.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/pretest/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pretest:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
