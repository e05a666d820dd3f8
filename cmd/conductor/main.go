package main

import (
	"os"

	"github.com/mohammad-safakhou/conductor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
