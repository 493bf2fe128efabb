package scheduler

import (
	"tbk/files"
	"tbk/toc"
	. "tbk/utils"
)

// step starts one asynchronous operation on a handle
type step func(h *files.Handle) error

type job struct {
	index  int
	id     int
	handle *files.Handle
	entry  toc.Entry
	steps  []step
	slot   int
}

// next starts the first remaining step
func (j *job) next() error {
	s := j.steps[0]
	j.steps = j.steps[1:]
	return s(j.handle)
}

// pool runs the preparation steps of at most limit files at a time. Jobs
// leave the pool once their handle is Idle after the last step.
type pool struct {
	slots   *Resource
	queue   []*job
	running []*job
	stopped bool
}

func newPool(limit int) *pool {
	return &pool{slots: NewResource(limit)}
}

func (p *pool) busy() bool {
	return len(p.queue) > 0 || len(p.running) > 0
}

// poll refreshes the running jobs. It stops at the first failed job, whose
// slot is released and which is no longer part of the pool.
func (p *pool) poll() (finished []*job, failed *job, err error) {
	running := p.running[:0]
	for _, j := range p.running {
		if failed != nil {
			running = append(running, j)
			continue
		}
		if err = j.handle.Refresh(); err != nil {
			failed = j
			p.slots.Release(j.slot)
			continue
		}
		switch j.handle.State() {
		case files.StateIdle:
			if len(j.steps) == 0 {
				p.slots.Release(j.slot)
				finished = append(finished, j)
				continue
			}
			if err = j.next(); err != nil {
				failed = j
				p.slots.Release(j.slot)
				continue
			}
			running = append(running, j)
		case files.StateMismatch, files.StateError:
			failed = j
			p.slots.Release(j.slot)
		default:
			running = append(running, j)
		}
	}
	p.running = running
	return finished, failed, err
}

// fill moves queued jobs into free slots.
func (p *pool) fill() (*job, error) {
	for len(p.queue) > 0 {
		slot := p.slots.TryReserve()
		if slot < 0 {
			return nil, nil
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		if err := j.next(); err != nil {
			p.slots.Release(slot)
			return j, err
		}
		j.slot = slot
		p.running = append(p.running, j)
	}
	return nil, nil
}

// cancel kills running checksums and puts their jobs back in the queue
func (p *pool) cancel() {
	for _, j := range p.running {
		j.handle.Cancel()
		p.slots.Release(j.slot)
	}
	p.queue = append(p.running, p.queue...)
	p.running = nil
}

func (p *pool) stop() {
	if !p.stopped {
		p.stopped = true
		p.slots.Stop()
	}
}
