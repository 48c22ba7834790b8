package main

import (
	"os"

	"github.com/sbswitch/sbswitch/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
