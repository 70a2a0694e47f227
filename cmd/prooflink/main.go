package main

import (
	"os"

	"github.com/prooflink/prooflink/cmd/prooflink/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
