// Package buildinfo carries the version stamped at link time:
//
//	go build -ldflags "-X github.com/dmitrijs2005/remotesettings/internal/buildinfo.Version=1.2.3"
package buildinfo

import (
	"fmt"
	"io"
)

var (
	Version = "N/A"
	Commit  = "N/A"
	Date    = "N/A"
)

const Source = "https://github.com/dmitrijs2005/remotesettings"

// PrintBuildData writes the build stamp, one field per line.
func PrintBuildData(w io.Writer) {
	fmt.Fprintf(w, "Build version: %s\n", Version)
	fmt.Fprintf(w, "Build date: %s\n", Date)
	fmt.Fprintf(w, "Build commit: %s\n", Commit)
}
