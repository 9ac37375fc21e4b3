package main

import (
	"os"

	"github.com/armadaproject/jobadmit/cmd/jobadmit/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
