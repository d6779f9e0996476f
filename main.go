// The main package for the webprogress executable.
package main

import (
	"github.com/JakeFAU/web-progress/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
