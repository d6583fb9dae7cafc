package main

import (
	"fmt"
	"os"

	"nvman/internal/cli"
	"nvman/internal/utils"
)

func main() {
	// Set up panic handler
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Panic occurred: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.Execute(); err != nil {
		utils.LogError("%v", err)
		os.Exit(1)
	}
}
