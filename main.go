package main

import (
	"github.com/finchlab/scopeflow/cmd"
)

// main is the entry point for the scopeflow CLI.
func main() {
	cmd.Execute()
}
