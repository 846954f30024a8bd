// Command parrotd runs the LLM-program control plane (serve) or a reference
// inference engine that registers with it (engine).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
