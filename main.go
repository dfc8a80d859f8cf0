// Package main is the entry point for the rom reactive mesh routing daemon and CLI.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/rom/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
