// Command ralphctl is the operator CLI: it submits runs to, inspects, and
// tails the registry a ralphd daemon drives.
package main

import (
	"fmt"
	"os"

	"github.com/ralphcore/ralph/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
