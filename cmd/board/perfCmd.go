package board

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tessera-dev/tessera/cmd/util"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/lib/store"
	"github.com/tessera-dev/tessera/web"
	"github.com/tessera-dev/tessera/web/common"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf [board]",
		Short:   "Performance testing tool for tessera servers",
		Long:    util.WrapString("Hammers the read endpoints of one board and reports throughput and latency percentiles per endpoint. The benchmarks only read, the board is left untouched."),
		Args:    cobra.ExactArgs(1),
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads = 10
	perfPositions  = 100
	perfRangeBytes = 4096
	perfSkip       = make([]string, 0)

	// one timer per benchmark, retained for the CSV export
	perfRegistry = gometrics.NewRegistry()
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. show,lookup)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "positions"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different positions to use for the lookup test"))
	key = "range-bytes"
	perfTestCmd.Flags().Int(key, 4096, util.WrapString("Size of the ranged buffer reads in bytes"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = viper.GetInt("threads")
	perfPositions = viper.GetInt("positions")
	perfRangeBytes = viper.GetInt("range-bytes")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(cmd *cobra.Command, args []string) error {
	boardID, err := parseBoardID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Println("Performance testing tool for tessera servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	conf := util.GetClientConfig()
	fmt.Println(conf.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	// The board geometry bounds the position spread and the ranged reads
	info, _, err := client.Board(ctx, boardID)
	if err != nil {
		return fmt.Errorf("failed to load board %d: %w", boardID, err)
	}
	shape, err := board.NewShape(info.Shape)
	if err != nil {
		return fmt.Errorf("board %d has an invalid shape: %w", boardID, err)
	}
	positions := uint64(perfPositions)
	if positions > shape.TotalSize() {
		positions = shape.TotalSize()
	}
	rangeEnd := uint64(perfRangeBytes)
	if rangeEnd > shape.TotalSize() {
		rangeEnd = shape.TotalSize()
	}

	fmt.Printf("Board: %d (%s, %d pixels)\n", info.ID, info.Name, shape.TotalSize())
	fmt.Println()
	fmt.Println("staring tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	showResult := benchmark("show", func(counter int) error {
		_, _, err := client.Board(ctx, boardID)
		return err
	})
	results["show"] = showResult
	printResult("show", showResult)

	lookupResult := benchmark("lookup", func(counter int) error {
		// unset positions answer 404, that is still a served request
		_, err := client.Lookup(ctx, boardID, uint64(counter)%positions)
		return ignoreAPIError(err)
	})
	results["lookup"] = lookupResult
	printResult("lookup", lookupResult)

	logResult := benchmark("log", func(counter int) error {
		_, err := client.Placements(ctx, boardID, 0, 100, store.OrderReverse)
		return err
	})
	results["log"] = logResult
	printResult("log", logResult)

	usersResult := benchmark("users", func(counter int) error {
		_, err := client.Users(ctx, boardID)
		return err
	})
	results["users"] = usersResult
	printResult("users", usersResult)

	dataResult := benchmark("data", func(counter int) error {
		_, err := client.ReadData(ctx, boardID, store.BufferColors)
		return err
	})
	results["data"] = dataResult
	printResult("data", dataResult)

	dataRangeResult := benchmark("data-range", func(counter int) error {
		_, err := client.ReadDataRange(ctx, boardID, store.BufferColors, 0, rangeEnd-1)
		return err
	})
	results["data-range"] = dataRangeResult
	printResult("data-range", dataRangeResult)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, conf); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// benchmark runs one named benchmark unless skipped. The request closure
// is driven from the parallel workers; every call is timed into the
// registry timer of the same name.
func benchmark(name string, request func(counter int) error) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip(name) {
			return
		}

		timer := gometrics.GetOrRegisterTimer(name, perfRegistry)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				err := request(counter)
				timer.UpdateSince(start)
				if err != nil {
					log.Printf("(%s) - request failed: %v\n", name, err)
				}
				counter++
			}
		})
	})
}

// ignoreAPIError drops errors the server answered with a status code for.
// The request was served, which is all the benchmark measures.
func ignoreAPIError(err error) error {
	var apiErr *web.APIError
	if errors.As(err, &apiErr) {
		return nil
	}
	return err
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Latency percentiles come from the go-metrics timer
	snap := gometrics.GetOrRegisterTimer(test, perfRegistry).Snapshot()
	percentiles := snap.Percentiles([]float64{0.5, 0.95, 0.99})

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op\t%.0f ops/sec\tp50=%s p95=%s p99=%s\n",
		test, nsPerOp, opsPerSec,
		time.Duration(percentiles[0]), time.Duration(percentiles[1]), time.Duration(percentiles[2]))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50", "P95", "P99", "Requests", "Skipped",
		"Endpoint", "TimeoutSec", "RetryCount",
		"Threads", "Positions", "RangeBytes",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		snap := gometrics.GetOrRegisterTimer(test, perfRegistry).Snapshot()
		percentiles := snap.Percentiles([]float64{0.5, 0.95, 0.99})

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			time.Duration(percentiles[0]).String(),
			time.Duration(percentiles[1]).String(),
			time.Duration(percentiles[2]).String(),
			strconv.FormatInt(snap.Count(), 10),
			skipped,
			config.Endpoint,
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfPositions),
			strconv.Itoa(perfRangeBytes),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
