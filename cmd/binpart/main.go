// Command binpart partitions x86-64 and AArch64 ELF binaries into basic
// blocks, functions and a control-flow graph.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
