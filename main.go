package main

import (
	"os"

	"github.com/arealab/osmarea/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
