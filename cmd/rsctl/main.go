package main

import (
	"os"

	"github.com/dmitrijs2005/remotesettings/internal/rsctl"
)

func main() {
	if err := rsctl.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
