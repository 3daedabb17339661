package main

import (
	"fmt"
	"os"

	"github.com/CloudNativeWorks/otad/cmd"
)

// set with -ldflags "-X main.version=..."
var version = "0.0.0"

func main() {
	if err := cmd.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
