package main

import (
	"os"

	"github.com/ksred/curvex/cmd/curvex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
