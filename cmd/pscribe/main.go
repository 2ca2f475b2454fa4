package main

import (
	"os"

	"github.com/psantana5/pianoscribe/cmd/pscribe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
