package systems

import (
	"runtime"
	"sync"
)

// DefaultParallelThreshold is the minimum range length to use parallel processing.
// Below this, single-threaded is faster due to goroutine overhead.
const DefaultParallelThreshold = 64

// ChunkFunc processes slots [i0,i1). chunk is the index of the range in
// the deterministic chunking of the whole loop.
type ChunkFunc func(chunk, i0, i1 int)

// workChunk represents a range of slots for a worker to process.
type workChunk struct {
	chunk, start, end int
	fn                ChunkFunc
}

// WorkerPool runs data-parallel loops over disjoint index ranges.
// A nil *WorkerPool runs everything on the calling goroutine.
// It is not reentrant: one loop at a time.
type WorkerPool struct {
	numWorkers int
	threshold  int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

// NewWorkerPool creates a pool. workers <= 0 uses GOMAXPROCS, threshold <= 0
// uses DefaultParallelThreshold. Workers start lazily on the first parallel loop.
func NewWorkerPool(workers, threshold int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if threshold <= 0 {
		threshold = DefaultParallelThreshold
	}
	return &WorkerPool{numWorkers: workers, threshold: threshold}
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int {
	if p == nil {
		return 1
	}
	return p.numWorkers
}

// Chunks returns how many chunks a loop over n slots is split into.
func (p *WorkerPool) Chunks(n int) int {
	if n <= 0 {
		return 0
	}
	if p == nil || n < p.threshold || p.numWorkers == 1 {
		return 1
	}
	chunkSize := (n + p.numWorkers - 1) / p.numWorkers
	return (n + chunkSize - 1) / chunkSize
}

// For runs fn over [0,n) split into Chunks(n) contiguous ranges and waits
// for all of them.
func (p *WorkerPool) For(n int, fn ChunkFunc) {
	chunks := p.Chunks(n)
	if chunks == 0 {
		return
	}
	if chunks == 1 {
		fn(0, 0, n)
		return
	}

	if !p.running {
		p.startWorkers()
	}

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers
	for c := 0; c < chunks; c++ {
		start := c * chunkSize
		end := min(start+chunkSize, n)
		p.workChan <- workChunk{chunk: c, start: start, end: end, fn: fn}
	}

	// Wait for all chunks to complete
	for c := 0; c < chunks; c++ {
		<-p.doneChan
	}
}

// startWorkers launches persistent worker goroutines.
func (p *WorkerPool) startWorkers() {
	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(chunk.chunk, chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// Stop signals all workers to exit and waits for them.
func (p *WorkerPool) Stop() {
	if p == nil || !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}
