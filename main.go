// The main package for the fleet-crawler executable.
package main

import (
	"github.com/JakeFAU/fleet-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
