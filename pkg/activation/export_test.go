package activation

// SetSharedPoolSizeForTest swaps the process-wide sharedPool for one sized
// to n for the duration of a test, restoring the original on return. Used
// by integration tests that need to force worker-pool contention without
// waiting on runtime.NumCPU() slots.
func SetSharedPoolSizeForTest(n int) (restore func()) {
	prev := sharedPool
	sharedPool = newWorkerPool(n)
	return func() { sharedPool = prev }
}
