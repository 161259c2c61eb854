package bridge

import "sync"

// serialQueue runs jobs one at a time in submission order on a single
// goroutine that exits when the queue drains.
type serialQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (q *serialQueue) push(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.run()
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}
