package main

import (
	"os"

	"github.com/memora-labs/memora/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
