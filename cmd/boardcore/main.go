// Package main provides boardcore, the storage and code-delivery
// console for the dual-core board.
package main

import (
	"os"

	"github.com/calvinalkan/boardcore/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args))
}
