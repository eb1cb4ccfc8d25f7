package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "realize",
		Short:   "Synchronize content-addressed arenas between peers",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newSyncCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
