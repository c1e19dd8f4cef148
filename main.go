// The main package for the ayudas executable.
package main

import (
	"github.com/JakeFAU/ayudas-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
