package main

import (
	"fmt"
	"os"

	"github.com/oib/aitbc-chain/cmd/aitbc/launcher"
)

func main() {
	if err := launcher.Launch(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
