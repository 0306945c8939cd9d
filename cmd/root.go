package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tessera-dev/tessera/cmd/board"
	"github.com/tessera-dev/tessera/cmd/serve"
	"github.com/tessera-dev/tessera/cmd/util"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "tessera",
		Short: "collaborative pixel canvas server",
		Long: fmt.Sprintf(`tessera (v%s)

A collaborative pixel canvas server written in Go. Users place
single pixels on shared boards under a cooldown budget, watch
updates live over WebSockets and can undo their own placements.`, util.Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tessera",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tessera v%s\n", util.Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(board.BoardCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
