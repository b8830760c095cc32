package orchestrator

import (
	"time"

	"github.com/shiftcmd/pycodegraph/pkg/artifact"
	"github.com/shiftcmd/pycodegraph/pkg/job"
)

// registry owns every Job record. It is the one piece of process-wide
// mutable state: a single goroutine owns the map, and all access goes
// through request functions executed on that goroutine, never through a
// shared lock. Records live only in memory; after a restart every job_id
// is unknown.
type registry struct {
	requests chan func(jobs map[string]*job.Job)
	done     chan struct{}
}

func newRegistry() *registry {
	r := &registry{
		requests: make(chan func(jobs map[string]*job.Job)),
		done:     make(chan struct{}),
	}

	go r.run()

	return r
}

func (r *registry) run() {
	jobs := make(map[string]*job.Job)

	for {
		select {
		case <-r.done:
			return
		case fn := <-r.requests:
			fn(jobs)
		}
	}
}

// do executes fn on the owning goroutine and waits for it to finish.
func (r *registry) do(fn func(jobs map[string]*job.Job)) {
	doneCh := make(chan struct{})

	select {
	case r.requests <- func(jobs map[string]*job.Job) {
		fn(jobs)
		close(doneCh)
	}:
		<-doneCh
	case <-r.done:
	}
}

func (r *registry) close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// insert stores a freshly created job record.
func (r *registry) insert(j *job.Job) {
	r.do(func(jobs map[string]*job.Job) {
		jobs[j.JobID] = j
	})
}

// snapshot returns a copy of the record for jobID, so callers never hold a
// reference into the registry's mutable state.
func (r *registry) snapshot(jobID string) (job.Job, bool) {
	var (
		out   job.Job
		found bool
	)

	r.do(func(jobs map[string]*job.Job) {
		j, ok := jobs[jobID]
		if !ok {
			return
		}

		found = true
		out = *j
		out.Artifacts = make(map[artifact.Kind]string, len(j.Artifacts))

		for k, v := range j.Artifacts {
			out.Artifacts[k] = v
		}

		if j.Error != nil {
			errCopy := *j.Error
			out.Error = &errCopy
		}
	})

	return out, found
}

// mutate applies fn to the record for jobID if it exists and is not yet
// terminal, enforcing the no-mutation-after-terminal invariant in one
// place. It reports whether fn ran.
func (r *registry) mutate(jobID string, fn func(j *job.Job)) bool {
	applied := false

	r.do(func(jobs map[string]*job.Job) {
		j, ok := jobs[jobID]
		if !ok || j.Terminal() {
			return
		}

		fn(j)

		applied = true
	})

	return applied
}

// setProgress folds one progress update into the record.
func (r *registry) setProgress(jobID string, current, total int, message string) {
	r.mutate(jobID, func(j *job.Job) {
		j.SetProgress(current, total, message, time.Now())
	})
}
