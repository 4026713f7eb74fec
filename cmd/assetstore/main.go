package main

import (
	"fmt"
	"os"

	"github.com/devrev/assetstore/internal/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode is the gRPC code of err, so scripts can tell a lock timeout (4)
// from an open circuit (14) or bad input (3)
func exitCode(err error) int {
	return int(errors.GRPCCode(err))
}
