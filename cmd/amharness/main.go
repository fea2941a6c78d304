package main

import (
	"fmt"
	"os"

	"github.com/Dicklesworthstone/amharness/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "amharness: %v\n", err)
		os.Exit(1)
	}
}
