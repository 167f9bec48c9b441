package main

import (
	"os"

	"fabric.evalgo.org/cli"
)

func main() {
	os.Exit(cli.Execute())
}
