// The main package for the sukta executable.
package main

import (
	"github.com/JakeFAU/sukta/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
