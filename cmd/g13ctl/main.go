package main

import (
	"os"

	"g13lab/cmd/g13ctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
