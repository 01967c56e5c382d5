// Package main provides the entry point for the enrich CLI.
package main

import (
	"os"

	"github.com/raphaelgruber/enrich/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
