// Gantry is a local first CI system.
//
// Gantry uses Docker to run pipeline stages as soon as the stages they need
// have succeeded. Stages can fan out over a parameter matrix and declare
// service containers that are health-checked before any step runs.
package main

import (
	"github.com/gantryci/gantry/cmd/gantry"
)

func main() {
	gantry.Execute()
}
