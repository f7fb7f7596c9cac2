package main

import (
	"os"

	"github.com/jaeaeich/poiesis/cmd/poiesis/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
