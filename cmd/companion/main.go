package main

import (
	"os"

	"companion/cmd/companion/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
