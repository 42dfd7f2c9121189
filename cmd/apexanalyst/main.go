package main

import (
	"fmt"
	"os"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
