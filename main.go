// The main package for the kibble-harvester executable.
package main

import (
	"github.com/JakeFAU/kibble-harvester/cmd"
)

func main() {
	cmd.Execute()
}
