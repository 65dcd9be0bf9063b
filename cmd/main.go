// Command orbital runs the per-actor balance ledger daemon and its operator tools.
//
// Usage:
//
//	orbital serve --config orbital.yaml
//	orbital setup
//	orbital accounts
//	orbital journal list|replay
//
// Every config key can be overridden with an ORBITAL_* environment variable,
// optionally loaded from a .env file.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
