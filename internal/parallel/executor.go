package parallel

// Executor runs a parallel loop over n independent items.
//
// ParallelFor calls fn(i) exactly once for every i in [0, n) and returns
// after all calls have completed. Calls for distinct i may run concurrently,
// so fn must only touch state owned by item i.
type Executor interface {
	ParallelFor(n int, fn func(i int))
}

// chunksPerWorker controls how finely a loop is split. A few chunks per
// worker lets stealing even out uneven items without per-item overhead.
const chunksPerWorker = 4

// PoolExecutor runs parallel loops on a WorkerPool.
type PoolExecutor struct {
	pool *WorkerPool
}

// NewPoolExecutor returns an Executor backed by pool.
func NewPoolExecutor(pool *WorkerPool) *PoolExecutor {
	return &PoolExecutor{pool: pool}
}

// ParallelFor implements Executor.
func (e *PoolExecutor) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if n == 1 || e.pool.Workers() == 1 {
		for i := range n {
			fn(i)
		}
		return
	}

	chunks := min(n, e.pool.Workers()*chunksPerWorker)
	work := make([]func(), chunks)
	for c := range chunks {
		begin := c * n / chunks
		end := (c + 1) * n / chunks
		work[c] = func() {
			for i := begin; i < end; i++ {
				fn(i)
			}
		}
	}
	e.pool.ExecuteAll(work)
}

// Serial runs loops on the calling goroutine, in index order.
type Serial struct{}

// ParallelFor implements Executor.
func (Serial) ParallelFor(n int, fn func(i int)) {
	for i := range n {
		fn(i)
	}
}
