package spy

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"openspy/internal/logging"
	"openspy/internal/proc"
	"openspy/internal/pybind"
	"openspy/internal/sampler"
	"openspy/trace"
)

// Sample is one tick's worth of output: the traces that were collected,
// any per-process errors, and how far behind schedule the tick fired.
type Sample struct {
	Traces []trace.StackTrace
	// Errors lists processes that failed to sample this tick; the
	// sample is still emitted when any other process succeeded.
	Errors []SamplingError
	// Late is non-zero when sampling fell behind the configured rate.
	Late time.Duration
}

// SamplingError attributes a sampling failure to its process.
type SamplingError struct {
	Pid int
	Err error
}

// Sampler produces a stream of Samples from a process (and optionally
// its descendants) until the targets exit or Stop is called.
type Sampler struct {
	// Version is the interpreter release of the root target, when a
	// single process is sampled.
	Version *pybind.Version

	samples chan Sample
	stopped atomic.Bool
}

// NewSampler attaches to pid and starts sampling at cfg.Rate. The
// returned sampler's Samples channel closes when sampling ends.
func NewSampler(pid int, cfg Config) (*Sampler, error) {
	if cfg.LogToFile {
		if err := logging.Init(true); err != nil {
			return nil, err
		}
	}
	if cfg.Subprocesses {
		return newSubprocessSampler(pid, cfg)
	}
	return newSingleSampler(pid, cfg)
}

// Samples returns the stream of collected samples.
func (s *Sampler) Samples() <-chan Sample {
	return s.samples
}

// Stop ends sampling after the current tick. Posting is edge-triggered;
// calling Stop more than once is fine.
func (s *Sampler) Stop() {
	s.stopped.Store(true)
}

func newSingleSampler(pid int, cfg Config) (*Sampler, error) {
	s := &Sampler{samples: make(chan Sample)}
	initialized := make(chan error, 1)

	go func() {
		defer close(s.samples)
		defer func() {
			logging.Infof("spy: sampler for pid %d finished", pid)
			if cfg.LogToFile {
				logging.Close()
			}
		}()

		target, err := RetryNew(pid, cfg, 5)
		if err != nil {
			initialized <- err
			return
		}
		defer target.Close()
		s.Version = &target.Version
		initialized <- nil

		timer := sampler.NewTimer(float64(cfg.Rate))
		defer timer.Stop()

		for !s.stopped.Load() {
			_, behind := timer.Tick()

			traces, err := sampleOnce(target)
			var samplingErrors []SamplingError
			if err != nil {
				if errors.Is(err, proc.ErrProcessGone) {
					logging.Infof("spy: stopped sampling pid %d because the process exited", pid)
					return
				}
				samplingErrors = []SamplingError{{Pid: pid, Err: err}}
			}
			s.samples <- Sample{Traces: traces, Errors: samplingErrors, Late: behind}
		}
	}()

	if err := <-initialized; err != nil {
		return nil, err
	}
	return s, nil
}

// sampleOnce takes one sample, converting panics inside the walk into
// errors so one corrupt frame can't kill the sampler.
func sampleOnce(target *Spy) (traces []trace.StackTrace, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("spy: panic while sampling pid %d: %v", target.Pid, r)
		}
	}()
	return target.StackTraces()
}

// spyWorker drives one process's Spy on its own goroutine, taking a
// sample per request.
type spyWorker struct {
	pid         int
	parentPid   int
	commandLine string

	initialized chan error
	request     chan struct{}
	result      chan workerResult
	running     atomic.Bool
	version     *pybind.Version
	ready       bool
}

type workerResult struct {
	traces []trace.StackTrace
	err    error
}

func newSpyWorker(pid, parentPid int, cfg Config) *spyWorker {
	w := &spyWorker{
		pid:         pid,
		parentPid:   parentPid,
		initialized: make(chan error, 1),
		request:     make(chan struct{}),
		result:      make(chan workerResult),
	}
	w.running.Store(true)

	go func() {
		defer w.running.Store(false)
		defer close(w.result)

		target, err := RetryNew(pid, cfg, 5)
		if err != nil {
			logging.Warnf("spy: failed to profile process %d: %v", pid, err)
			w.initialized <- err
			return
		}
		defer target.Close()
		if cmdline, err := target.Process.Cmdline(); err == nil {
			w.commandLine = strings.Join(cmdline, " ")
		}
		w.version = &target.Version
		w.initialized <- nil

		for range w.request {
			traces, err := sampleOnce(target)
			if err != nil && errors.Is(err, proc.ErrProcessGone) {
				logging.Infof("spy: stopped sampling pid %d because the process exited", pid)
				return
			}
			w.result <- workerResult{traces: traces, err: err}
		}
	}()
	return w
}

// waitInitialized blocks until the worker's Spy attached (or failed).
func (w *spyWorker) waitInitialized() bool {
	if err := <-w.initialized; err != nil {
		return false
	}
	w.ready = true
	return true
}

// pollInitialized is the non-blocking variant for workers discovered
// mid-run.
func (w *spyWorker) pollInitialized() bool {
	if w.ready {
		return true
	}
	select {
	case err := <-w.initialized:
		if err == nil {
			w.ready = true
		}
		return w.ready
	default:
		return false
	}
}

func newSubprocessSampler(pid int, cfg Config) (*Sampler, error) {
	root, err := proc.Open(pid)
	if err != nil {
		return nil, err
	}

	workers := make(map[int]*spyWorker)
	var workersMu sync.Mutex

	workers[pid] = newSpyWorker(pid, 0, cfg)
	children, err := root.ChildProcesses()
	if err == nil {
		for _, child := range children {
			if child.Pid == pid {
				continue
			}
			// Zombie children and the like simply fail to attach; the
			// worker records that and stops.
			workers[child.Pid] = newSpyWorker(child.Pid, child.ParentPid, cfg)
		}
	}

	// If nothing attaches, fail now rather than stream empty samples.
	anyReady := false
	for _, w := range workers {
		if w.waitInitialized() {
			anyReady = true
		}
	}
	if !anyReady {
		for _, w := range workers {
			close(w.request)
		}
		root.Close()
		return nil, fmt.Errorf("spy: no python processes found in process %d or its subprocesses", pid)
	}

	s := &Sampler{samples: make(chan Sample)}

	// Child discovery: poll the process tree while the root is alive
	// and add a worker for any pid we haven't seen.
	go func() {
		for !s.stopped.Load() {
			if _, err := root.Exe(); err != nil {
				return
			}
			if children, err := root.ChildProcesses(); err == nil {
				workersMu.Lock()
				for _, child := range children {
					if _, known := workers[child.Pid]; !known {
						workers[child.Pid] = newSpyWorker(child.Pid, child.ParentPid, cfg)
					}
				}
				workersMu.Unlock()
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	go func() {
		defer close(s.samples)
		defer func() {
			// Let the worker goroutines drain and exit, and release
			// the root handle's ptrace thread.
			s.stopped.Store(true)
			workersMu.Lock()
			for _, w := range workers {
				close(w.request)
			}
			workersMu.Unlock()
			root.Close()
			logging.Infof("spy: sampler for pid %d finished", pid)
			if cfg.LogToFile {
				logging.Close()
			}
		}()
		timer := sampler.NewTimer(float64(cfg.Rate))
		defer timer.Stop()

		processInfo := make(map[int]*trace.ProcessInfo)

		for !s.stopped.Load() {
			_, behind := timer.Tick()

			workersMu.Lock()
			var active []*spyWorker
			anyRunning := false
			for pid, w := range workers {
				if !w.running.Load() {
					delete(workers, pid)
					continue
				}
				anyRunning = true
				if w.pollInitialized() {
					active = append(active, w)
				}
			}
			workersMu.Unlock()

			if !anyRunning {
				return
			}

			// Fan the sample request out to every ready worker and
			// gather the results.
			results := make([]workerResult, len(active))
			var g errgroup.Group
			for i, w := range active {
				g.Go(func() error {
					select {
					case w.request <- struct{}{}:
					default:
						// The worker is still busy with the previous
						// request; skip it this tick.
						results[i] = workerResult{}
						return nil
					}
					if res, ok := <-w.result; ok {
						results[i] = res
					}
					return nil
				})
			}
			g.Wait()

			sample := Sample{Late: behind}
			for i, res := range results {
				if res.err != nil {
					sample.Errors = append(sample.Errors, SamplingError{Pid: active[i].pid, Err: res.err})
					continue
				}
				sample.Traces = append(sample.Traces, res.traces...)
			}

			// Annotate traces with the owning process and its
			// ancestry.
			workersMu.Lock()
			for i := range sample.Traces {
				sample.Traces[i].Process = lookupProcessInfo(sample.Traces[i].Pid, workers, processInfo)
			}
			workersMu.Unlock()

			s.samples <- sample
		}
	}()
	return s, nil
}

// lookupProcessInfo builds (and caches) the process-ancestry records
// attached to emitted traces.
func lookupProcessInfo(pid int, workers map[int]*spyWorker, cache map[int]*trace.ProcessInfo) *trace.ProcessInfo {
	if info, ok := cache[pid]; ok {
		return info
	}
	w, ok := workers[pid]
	if !ok {
		return nil
	}
	info := &trace.ProcessInfo{Pid: pid, CommandLine: w.commandLine}
	if w.parentPid != 0 {
		info.Parent = lookupProcessInfo(w.parentPid, workers, cache)
	}
	cache[pid] = info
	return info
}
