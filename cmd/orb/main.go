// Command orb tracks opening range breakouts.
package main

import (
	"context"
	"fmt"
	"os"

	"orb-trader/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
