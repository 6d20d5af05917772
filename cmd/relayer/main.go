package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/omnirelay/bounty-relayer/internal/relayerr"
)

// Exit codes match the CLI contract: 0 normal, 1 configuration error, 2
// fatal worker error.
const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var cfgErr *relayerr.Config
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	var fatalErr *relayerr.Fatal
	if errors.As(err, &fatalErr) {
		return exitFatal
	}
	var loadErr *configErr
	if errors.As(err, &loadErr) {
		return exitConfig
	}
	return exitConfig
}
