package board

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tessera-dev/tessera/cmd/util"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/web"
)

var (
	client *web.Client

	// BoardCommands represents the board command group
	BoardCommands = &cobra.Command{
		Use:               "board",
		Short:             "Interact with the boards of a tessera server",
		PersistentPreRunE: setupClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common connection flags to the board command
	util.SetupClientFlags(BoardCommands)

	// Add subcommands
	BoardCommands.AddCommand(infoCmd)
	BoardCommands.AddCommand(listCmd)
	BoardCommands.AddCommand(createCmd)
	BoardCommands.AddCommand(showCmd)
	BoardCommands.AddCommand(deleteCmd)
	BoardCommands.AddCommand(placeCmd)
	BoardCommands.AddCommand(undoCmd)
	BoardCommands.AddCommand(lookupCmd)
	BoardCommands.AddCommand(logCmd)
	BoardCommands.AddCommand(usersCmd)
	BoardCommands.AddCommand(dataCmd)
	BoardCommands.AddCommand(watchCmd)
	BoardCommands.AddCommand(perfTestCmd)
}

// setupClient initializes the server client
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	client = web.NewClient(util.GetClientConfig())
	return nil
}

// --------------------------------------------------------------------------
// Argument parsing helpers
// --------------------------------------------------------------------------

func parseBoardID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("board must be a number: %w", err)
	}
	return id, nil
}

func parsePosition(arg string) (uint64, error) {
	pos, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("position must be a number: %w", err)
	}
	return pos, nil
}

// parseShape parses the CLI shape syntax: extent groups separated by '/',
// extents within a group separated by ','. "16,16/64,64" is a 16x16 grid
// of 64x64 pixel sectors.
func parseShape(arg string) ([][]uint64, error) {
	var groups [][]uint64
	for _, rawGroup := range strings.Split(arg, "/") {
		var group []uint64
		for _, rawExtent := range strings.Split(rawGroup, ",") {
			extent, err := strconv.ParseUint(strings.TrimSpace(rawExtent), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid shape extent %q: %w", rawExtent, err)
			}
			group = append(group, extent)
		}
		groups = append(groups, group)
	}

	// validate before sending it anywhere
	if _, err := board.NewShape(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// shapeString renders raw extent groups as the per-axis pixel extents
// (e.g. "1024x1024"), falling back to the raw groups if they are invalid.
func shapeString(groups [][]uint64) string {
	shape, err := board.NewShape(groups)
	if err != nil {
		return fmt.Sprintf("%v", groups)
	}
	return shape.String()
}

// printBudget prints the cooldown headers of a response, if any
func printBudget(cd *web.CooldownHeader) {
	if cd == nil {
		return
	}
	fmt.Printf("pixels available: %d\n", cd.PixelsAvailable)
	if cd.NextAvailable != nil {
		fmt.Printf("next pixel at:    %s\n", formatUnix(*cd.NextAvailable))
	}
	if cd.UndoDeadline != nil {
		fmt.Printf("undo until:       %s\n", formatUnix(*cd.UndoDeadline))
	}
}
