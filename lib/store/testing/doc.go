// Package testing provides standardised tests and benchmarks for board
// store implementations that satisfy the store.IBoardStore interface.
//
// The package contains:
//   - testing: A comprehensive test suite for validating conformance to the IBoardStore interface contract
//   - benchmark: Performance tests for measuring throughput of common store operations
//
// Every store implementation (in-memory, replicated, remote) runs the same
// suite, so behavior differences between them surface as test failures
// rather than as bugs in the board runtime.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() store.IBoardStore {
//		return NewMyStore()
//	}
//
//	// Running the standard test suite
//	storetesting.RunBoardStoreTests(t, "MyStore", factory)
//
//	// Running performance benchmarks
//	storetesting.RunBoardStoreBenchmarks(b, "MyStore", factory)
package testing
