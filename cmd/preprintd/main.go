// The main package for the preprintd executable.
package main

import (
	"github.com/openpreprints/preprintd/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
