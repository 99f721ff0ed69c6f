package main

import (
	"os"

	"github.com/meetrelay/meetrelay/peer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
