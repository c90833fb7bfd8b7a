package concurrency

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

type Work func() (interface{}, error)

type Result struct {
	Value interface{}
	Error error
}

// WorkPool fans a fixed set of jobs out over a bounded ants pool and collects
// one Result per job, in submission order.
type WorkPool struct {
	workerCount int
	works       []Work
}

func NewWorkPool(workerCount int) *WorkPool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkPool{
		workerCount: workerCount,
		works:       []Work{},
	}
}

func (w *WorkPool) AddJob(job Work) {
	w.works = append(w.works, job)
}

func (w *WorkPool) Run() []Result {
	pool, err := ants.NewPool(w.workerCount)
	if err != nil {
		return []Result{{Error: fmt.Errorf("create pool: %w", err)}}
	}
	defer pool.Release()

	results := make([]Result, len(w.works))
	var wg sync.WaitGroup
	for i, work := range w.works {
		i, work := i, work
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			v, err := func() (v interface{}, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("paniced with %v", r)
						v = nil
					}
				}()
				return work()
			}()
			results[i] = Result{Value: v, Error: err}
		})
		if submitErr != nil {
			wg.Done()
			results[i] = Result{Error: fmt.Errorf("submit job: %w", submitErr)}
		}
	}
	wg.Wait()

	return results
}
