// Package main provides the kpiledger command-line interface.
package main

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/kpiledger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
