package main

import (
	"os"

	"github.com/cisco/go-mls-core/cmd/mls-kat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
