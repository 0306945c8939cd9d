package board

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tessera-dev/tessera/cmd/util"
	"github.com/tessera-dev/tessera/lib/live"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/web"
)

var (
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints the server name, version and capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := client.Info(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("name=%s, version=%s, source=%s\n", info.Name, info.Version, info.Source)
			fmt.Printf("capabilities=%s\n", strings.Join(info.Capabilities, ","))
			return nil
		},
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists all boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			boards, err := client.Boards(cmd.Context())
			if err != nil {
				return err
			}
			if len(boards) == 0 {
				fmt.Println("no boards")
				return nil
			}
			for _, meta := range boards {
				fmt.Printf("id=%d, name=%s, size=%s, colors=%d\n",
					meta.ID, meta.Name, shapeString(meta.Shape), len(meta.Palette))
			}
			return nil
		},
	}
	createCmd = &cobra.Command{
		Use:   "create [name]",
		Short: "Creates a new board (requires admin permissions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shape, err := parseShape(createShape)
			if err != nil {
				return err
			}
			palette, err := parsePalette(createPalette)
			if err != nil {
				return err
			}

			info, err := client.CreateBoard(cmd.Context(), web.CreateBoardRequest{
				Name:               args[0],
				Shape:              shape,
				Palette:            palette,
				MaxPixelsAvailable: createMaxPixels,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created board %d (%s, %s)\n", info.ID, info.Name, shapeString(info.Shape))
			return nil
		},
	}
	showCmd = &cobra.Command{
		Use:   "show [board]",
		Short: "Prints the metadata of a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			info, cd, err := client.Board(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("id:        %d\n", info.ID)
			fmt.Printf("name:      %s\n", info.Name)
			fmt.Printf("size:      %s\n", shapeString(info.Shape))
			fmt.Printf("created:   %s\n", formatUnix(info.CreatedAt))
			fmt.Printf("max budget: %d\n", info.MaxPixelsAvailable)
			fmt.Println("palette:")
			for i := uint32(0); i < uint32(len(info.Palette)); i++ {
				if color, ok := info.Palette[i]; ok {
					fmt.Printf("  %3d: %-12s #%06x\n", i, color.Name, color.Value)
				}
			}
			printBudget(cd)
			return nil
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [board]",
		Short: "Deletes a board (requires admin permissions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			if err := client.DeleteBoard(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	placeCmd = &cobra.Command{
		Use:   "place [board] [position] [color]",
		Short: "Places a pixel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			color, err := strconv.ParseUint(args[2], 10, 8)
			if err != nil {
				return fmt.Errorf("color must be a palette index: %w", err)
			}

			placement, cd, err := client.Place(cmd.Context(), id, pos, uint8(color))
			if err != nil {
				return err
			}
			fmt.Printf("placed color %d at position %d\n", placement.Color, placement.Position)
			printBudget(cd)
			return nil
		},
	}
	undoCmd = &cobra.Command{
		Use:   "undo [board] [position]",
		Short: "Undoes your own placement at a position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}

			cd, err := client.Undo(cmd.Context(), id, pos)
			if err != nil {
				return err
			}
			fmt.Println("undo successfully")
			printBudget(cd)
			return nil
		},
	}
	lookupCmd = &cobra.Command{
		Use:   "lookup [board] [position]",
		Short: "Prints who placed the pixel at a position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}

			// the board epoch anchors the relative placement timestamps
			info, _, err := client.Board(cmd.Context(), id)
			if err != nil {
				return err
			}
			placement, err := client.Lookup(cmd.Context(), id, pos)
			if err != nil {
				return err
			}
			printPlacement(placement, info.CreatedAt)
			return nil
		},
	}
	logCmd = &cobra.Command{
		Use:   "log [board]",
		Short: "Prints one page of the placement log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}

			order := store.OrderForward
			if logReverse {
				order = store.OrderReverse
			}

			info, _, err := client.Board(cmd.Context(), id)
			if err != nil {
				return err
			}
			page, err := client.Placements(cmd.Context(), id, logNext, logLimit, order)
			if err != nil {
				return err
			}
			for _, placement := range page.Items {
				printPlacement(placement, info.CreatedAt)
			}
			if page.Next != nil {
				fmt.Printf("more entries, continue with --next %d\n", *page.Next)
			}
			return nil
		},
	}
	usersCmd = &cobra.Command{
		Use:   "users [board]",
		Short: "Prints how many users placed a pixel recently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			stats, err := client.Users(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("active=%d (within the last %s)\n",
				stats.Active, time.Duration(stats.IdleTimeout)*time.Second)
			return nil
		},
	}
	dataCmd = &cobra.Command{
		Use:   "data [board] [buffer]",
		Short: "Reads a pixel buffer (colors, timestamps, initial or mask)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			kind, ok := store.ParseBufferKind(args[1])
			if !ok {
				return fmt.Errorf("unknown buffer %q (expected one of: colors, timestamps, initial, mask)", args[1])
			}

			var data []byte
			if dataRange != "" {
				start, end, err := parseByteRange(dataRange)
				if err != nil {
					return err
				}
				data, err = client.ReadDataRange(cmd.Context(), id, kind, start, end)
				if err != nil {
					return err
				}
			} else {
				data, err = client.ReadData(cmd.Context(), id, kind)
				if err != nil {
					return err
				}
			}

			if dataOutput != "" {
				if err := os.WriteFile(dataOutput, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %d bytes to %s\n", len(data), dataOutput)
				return nil
			}
			fmt.Print(hex.Dump(data))
			return nil
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [board]",
		Short: "Streams live board updates until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBoardID(args[0])
			if err != nil {
				return err
			}
			caps, err := live.ParseCapabilities(watchCapabilities)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// one JSON line per packet, ready for jq and friends
			return client.Listen(ctx, id, caps, func(pkt live.ServerPacket) {
				line, err := json.Marshal(pkt)
				if err != nil {
					fmt.Fprintf(os.Stderr, "failed to encode packet: %v\n", err)
					return
				}
				fmt.Println(string(line))
			})
		},
	}

	// flag targets
	createShape       string
	createPalette     string
	createMaxPixels   uint32
	logLimit          int
	logNext           uint64
	logReverse        bool
	dataRange         string
	dataOutput        string
	watchCapabilities string
)

func init() {
	createCmd.Flags().StringVar(&createShape, "shape", "16,16/64,64", util.WrapString("Extent groups of the new board. Groups are separated by '/', extents by ','. The innermost group spans one sector (e.g. '16,16/64,64' is a 16x16 grid of 64x64 pixel sectors)"))
	createCmd.Flags().StringVar(&createPalette, "palette", "white=0xffffff,black=0x000000", util.WrapString("Comma-separated palette entries in the format name=0xRRGGBB. The palette index follows the list order"))
	createCmd.Flags().Uint32Var(&createMaxPixels, "max-pixels", 6, util.WrapString("Maximum pixel budget a user can save up on the new board"))

	logCmd.Flags().IntVar(&logLimit, "limit", 100, util.WrapString("Maximum number of log entries per page"))
	logCmd.Flags().Uint64Var(&logNext, "next", 0, util.WrapString("Continuation token of a previous page. 0 starts at the beginning"))
	logCmd.Flags().BoolVar(&logReverse, "reverse", false, util.WrapString("Walk the log newest first"))

	dataCmd.Flags().StringVar(&dataRange, "range", "", util.WrapString("Optional byte range to read in the format start-end (inclusive, e.g. 0-4095)"))
	dataCmd.Flags().StringVar(&dataOutput, "output", "", util.WrapString("Write the raw bytes to this file instead of printing a hex dump"))

	watchCmd.Flags().StringVar(&watchCapabilities, "capabilities", "core", util.WrapString("Comma-separated list of stream capabilities to negotiate (e.g. core,data.timestamps,info)"))
}

// --------------------------------------------------------------------------
// Output helpers
// --------------------------------------------------------------------------

func formatUnix(sec uint64) string {
	return time.Unix(int64(sec), 0).Format(time.RFC3339)
}

// printPlacement prints one log entry. Placement timestamps are seconds
// since the board epoch, the caller passes the epoch to anchor them.
func printPlacement(p store.Placement, epoch uint64) {
	fmt.Printf("position=%d, color=%d, user=%s, placed=%s\n",
		p.Position, p.Color, p.User, formatUnix(epoch+uint64(p.Timestamp)))
}

func parseByteRange(arg string) (uint64, uint64, error) {
	first, last, ok := strings.Cut(arg, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q (expected start-end)", arg)
	}
	start, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start: %w", err)
	}
	end, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end: %w", err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid range %q: end before start", arg)
	}
	return start, end, nil
}

// parsePalette parses comma-separated name=0xRRGGBB entries, assigning
// palette indices in list order.
func parsePalette(arg string) (store.Palette, error) {
	palette := store.Palette{}
	if arg == "" {
		return nil, fmt.Errorf("palette must not be empty")
	}
	for i, entry := range strings.Split(arg, ",") {
		name, rawValue, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid palette entry %q (expected name=0xRRGGBB)", entry)
		}
		value, err := strconv.ParseUint(strings.TrimSpace(rawValue), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid palette value %q: %w", rawValue, err)
		}
		palette[uint32(i)] = store.Color{Name: strings.TrimSpace(name), Value: uint32(value)}
	}
	return palette, nil
}
