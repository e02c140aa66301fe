// Package common contains process-wide helpers shared by the binaries.
package common

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	// PackageName is used as the metrics namespace.
	PackageName = "mze_storage"
)
