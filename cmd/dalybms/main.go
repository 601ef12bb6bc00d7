package main

import (
	"os"

	"github.com/jonamat/daly-bms-bt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
