// Command shieldopt runs the distributed optimization of the muon shield
// geometry against a simulation job queue.
package main

import (
	"fmt"
	"os"

	apperrors "github.com/copyleftdev/shieldopt/internal/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shieldopt: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}
