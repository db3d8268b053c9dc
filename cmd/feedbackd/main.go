// Command feedbackd runs the feedback playback daemon and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/feedbackd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "feedbackd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
