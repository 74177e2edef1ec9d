package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Debug("command failed", "error", err)
		os.Exit(1)
	}
}
