package main

import (
	"os"

	"github.com/halcyonlabs/outpost/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
