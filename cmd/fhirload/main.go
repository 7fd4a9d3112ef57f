package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/fhirload/internal/cli"
)

func main() {
	// Minimal logger until the load command configures the real one.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
