// Package main is the entry point for nextcloud-backup.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err, logFilePath()))
		os.Exit(1)
	}
}
