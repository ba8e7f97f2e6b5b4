package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrStopped finishes jobs that were still queued at shutdown.
	ErrStopped = errors.New("dispatcher stopped")
)

type workspaceQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands queued jobs to pool workers, round-robin across
// workspaces so one workspace cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	log      *zap.Logger
	quit     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	queues    map[string]*workspaceQueue // job queue for each workspace
	ready     *list.List                 // LRU queue storing workspace IDs
	positions map[string]*list.Element
	waiting   map[string][]*processTask // submitted, not yet handed out
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, runner Runner, idleTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, runner)

	d := &Dispatcher{
		queues:    make(map[string]*workspaceQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		waiting:   make(map[string][]*processTask),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		log:       log,
		quit:      make(chan struct{}),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrStopped
	default:
	}
	d.track(job.Task)
	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.untrack(job.Task)
		return ErrDispatcherBusy
	}
}

// Stop ends dispatching and shuts idle workers down. Queued jobs that were
// not handed out yet finish with ErrStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the workspace in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.quit:
			d.drain()
			return
		default:
		}
	}
}

// drain finishes every job still waiting in the queues.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	var pending []Job
	for e := d.ready.Front(); e != nil; e = e.Next() {
		if q := d.queues[e.Value.(string)]; q != nil {
			pending = append(pending, q.jobs...)
		}
	}
	d.queues = make(map[string]*workspaceQueue)
	d.positions = make(map[string]*list.Element)
	d.waiting = make(map[string][]*processTask)
	d.ready.Init()
	d.mu.Unlock()

drained:
	for {
		select {
		case job := <-d.JobQueue:
			pending = append(pending, job)
		default:
			break drained
		}
	}
	if n := finishJobs(pending, ErrStopped); n > 0 {
		d.log.Info("finished queued jobs at shutdown", zap.Int("count", n))
	}
}

// Cancel finishes every job of a workspace that no worker picked up yet
// with ErrStopped and returns how many that were. A job already running is
// left alone.
func (d *Dispatcher) Cancel(workspaceID string) int {
	d.mu.Lock()
	var dropped []Job
	for _, task := range d.waiting[workspaceID] {
		dropped = append(dropped, Job{Type: Process, Task: task})
	}
	delete(d.waiting, workspaceID)
	if q := d.queues[workspaceID]; q != nil {
		dropped = append(dropped, q.jobs...)
	}
	delete(d.queues, workspaceID)
	if elem, ok := d.positions[workspaceID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, workspaceID)
	}
	d.mu.Unlock()

	return finishJobs(dropped, ErrStopped)
}

// finishJobs finishes the jobs nobody took yet and returns their count.
func finishJobs(jobs []Job, err error) int {
	n := 0
	for _, job := range jobs {
		if job.Task == nil || !job.Task.take() {
			continue
		}
		n++
		if job.Task.finish != nil {
			job.Task.finish(err)
		}
	}
	return n
}

func (d *Dispatcher) track(task *processTask) {
	if task == nil {
		return
	}
	d.mu.Lock()
	d.waiting[task.workspaceID] = append(d.waiting[task.workspaceID], task)
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(task *processTask) {
	if task == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.waiting[task.workspaceID]
	for i, t := range tasks {
		if t == task {
			tasks = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	if len(tasks) == 0 {
		delete(d.waiting, task.workspaceID)
	} else {
		d.waiting[task.workspaceID] = tasks
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	workspaceID := job.workspaceID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[workspaceID]
	if q == nil {
		q = &workspaceQueue{}
		d.queues[workspaceID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(workspaceID)
	d.positions[workspaceID] = elem
}

// dispatchOne get first workspace in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	workspaceID := elem.Value.(string)
	q := d.queues[workspaceID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this workspace, it leaves the rotation
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, workspaceID)
		delete(d.queues, workspaceID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		finishJobs([]Job{job}, ErrStopped)
		return false
	}
	if job.Task != nil {
		d.untrack(job.Task)
		if !job.Task.take() {
			// cancelled while waiting for a worker
			if !d.pool.Release(workerChan) {
				workerChan <- Job{Type: Stop}
			}
			return true
		}
	}
	d.log.Debug("assign job",
		zap.String("type", string(job.Type)),
		zap.String("workspace", workspaceID),
		zap.Int("worker", d.pool.workerID(workerChan)))
	workerChan <- job
	return true
}

func (job Job) workspaceID() string {
	if job.Task != nil {
		return job.Task.workspaceID
	}
	return ""
}
