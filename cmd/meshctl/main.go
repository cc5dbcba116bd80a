// Package main provides meshctl, which synchronizes and verifies the peer
// links of a cross-chain bridge endpoint mesh.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
