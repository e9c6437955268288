// Package main is the entry point for the chatus-edge offline cache server.
package main

import (
	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}
