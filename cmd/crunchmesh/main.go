package main

import (
	"fmt"
	"os"

	crunchmesh "github.com/crunchmesh/crunchmesh/cmd/crunchmesh-cli"
)

func main() {
	app := crunchmesh.CLI()
	// restore the default exit behavior the CLI package disables for
	// its tests
	app.ExitErrHandler = nil
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "crunchmesh: %v\n", err)
		os.Exit(1)
	}
}
