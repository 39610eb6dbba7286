// Package main provides the entry point for the steroids CLI.
package main

import (
	"os"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
