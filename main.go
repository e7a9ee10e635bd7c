// The main package for the mbharvest executable.
package main

import (
	"github.com/bathyscape/mbharvest/cmd"
)

func main() {
	cmd.Execute()
}
