// Package procmodel implements spec.md §4.E's process/thread model:
// Threads map one-to-one to cores, ProcessInfo groups threads under a
// stable PID, and one distinguished idle process (PID 1) owns every core
// not currently attributed to a user process.
//
// Grounded on original_source/e-server/src/GdbServer.h's mThreads/
// mProcesses/mCore2Tid/mIdleProcess/mNextPid members, reshaped per
// spec.md §9's "avoid owning cycles" guidance into two registries that
// refer to each other only by integer ID — never by pointer — which also
// removes the "dangling back-pointer after detach" class of bug the
// original's raw pointers were prone to.
package procmodel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// IdlePid is the distinguished idle process: every core whose execution
// is not attributed to a user process belongs here (spec.md §3).
const IdlePid = 1

// ErrThreadNotFound is spec.md §7's "Thread not found" (E 04).
var ErrThreadNotFound = errors.New("procmodel: thread not found")

// ErrProcessNotFound is the process-registry analogue, surfaced the same
// way as ErrThreadNotFound by the dispatcher.
var ErrProcessNotFound = errors.New("procmodel: process not found")

// Thread is one physical core, addressable as an RSP thread.
type Thread struct {
	Tid  int
	Core CoreId

	mu         sync.Mutex
	halted     bool
	haltedAt   time.Time
	pid        int // owning process; looked up through the registry, never a pointer
	steppingPC uint32
	stepping   bool

	Regs RegisterFile
}

// IsHalted reports the cached halt state and when it was last
// invalidated (spec.md §3's Thread attributes).
func (t *Thread) IsHalted() (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted, t.haltedAt
}

// SetHalted updates the cached halt state.
func (t *Thread) SetHalted(halted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted = halted
	t.haltedAt = time.Now()
}

// Pid returns the ID of the thread's current owning process.
func (t *Thread) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// ProcessInfo groups a set of thread IDs under a stable PID (spec.md §3).
type ProcessInfo struct {
	Pid     int
	Command string

	mu      sync.Mutex
	tids    map[int]struct{}
}

// Tids returns a sorted snapshot of the process's thread IDs.
func (p *ProcessInfo) Tids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.tids))
	for tid := range p.tids {
		out = append(out, tid)
	}
	sort.Ints(out)
	return out
}

func (p *ProcessInfo) add(tid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tids[tid] = struct{}{}
}

func (p *ProcessInfo) remove(tid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tids, tid)
}

// Registry owns every Thread and ProcessInfo, and is the sole place that
// moves a thread between processes. Threads and processes refer to each
// other only by integer ID; all cross-referencing lookups go through
// this registry (spec.md §9).
type Registry struct {
	mu sync.Mutex

	threads    map[int]*Thread
	processes  map[int]*ProcessInfo
	core2tid   map[CoreId]int
	nextTid    int
	nextPid    int
}

// New returns an empty Registry with only the idle process present.
func New() *Registry {
	r := &Registry{
		threads:   make(map[int]*Thread),
		processes: make(map[int]*ProcessInfo),
		core2tid:  make(map[CoreId]int),
		nextTid:   2, // TIDs and PIDs share the "start at 2" convention; PID 1 is reserved for idle.
		nextPid:   2,
	}
	r.processes[IdlePid] = &ProcessInfo{Pid: IdlePid, Command: "(idle)", tids: make(map[int]struct{})}
	return r
}

// AddCore creates one Thread for core and places it in the idle process,
// as the server does at startup while enumerating the platform memory
// map (spec.md §3's Lifecycle).
func (r *Registry) AddCore(core CoreId) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	tid := r.nextTid
	r.nextTid++

	t := &Thread{Tid: tid, Core: core, pid: IdlePid}
	r.threads[tid] = t
	r.core2tid[core] = tid
	r.processes[IdlePid].add(tid)
	return t
}

// GetThread looks up a thread by TID, returning ErrThreadNotFound
// wrapped with a caller-supplied diagnostic when absent (spec.md §4.E).
func (r *Registry) GetThread(tid int, context string) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[tid]
	if !ok {
		if context != "" {
			return nil, fmt.Errorf("%s: %w (tid=%d)", context, ErrThreadNotFound, tid)
		}
		return nil, ErrThreadNotFound
	}
	return t, nil
}

// ThreadByCore looks up the thread currently mapped to core, using the
// mCore2Tid bijection (spec.md's Invariant 2).
func (r *Registry) ThreadByCore(core CoreId) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tid, ok := r.core2tid[core]
	if !ok {
		return nil, false
	}
	return r.threads[tid], true
}

// GetProcess looks up a process by PID.
func (r *Registry) GetProcess(pid int) (*ProcessInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[pid]
	if !ok {
		return nil, fmt.Errorf("getProcess: %w (pid=%d)", ErrProcessNotFound, pid)
	}
	return p, nil
}

// AllThreadIds returns every live TID, for qfThreadInfo.
func (r *Registry) AllThreadIds() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.threads))
	for tid := range r.threads {
		out = append(out, tid)
	}
	sort.Ints(out)
	return out
}

// AllProcesses returns every live process, for the qXfer:osdata:processes
// annex (spec.md §4.H).
func (r *Registry) AllProcesses() []*ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ProcessInfo, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// NewProcess allocates a fresh ProcessInfo with the next monotonic PID
// (spec.md §3: PIDs assigned from 2, PID 1 reserved for idle).
func (r *Registry) NewProcess(command string) *ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid := r.nextPid
	r.nextPid++
	p := &ProcessInfo{Pid: pid, Command: command, tids: make(map[int]struct{})}
	r.processes[pid] = p
	return p
}

// Attach moves the threads named by tids from their current process
// (normally idle) into dst (spec.md §3: "vAttach;pid transfers the
// threads named in the request into a user process").
func (r *Registry) Attach(dst *ProcessInfo, tids []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tid := range tids {
		t, ok := r.threads[tid]
		if !ok {
			return fmt.Errorf("attach: %w (tid=%d)", ErrThreadNotFound, tid)
		}
		src := r.processes[t.Pid()]
		if src != nil {
			src.remove(tid)
		}
		t.mu.Lock()
		t.pid = dst.Pid
		t.mu.Unlock()
		dst.add(tid)
	}
	return nil
}

// Detach returns every thread of the given process to the idle process
// (spec.md §3: "D;pid returns them to idle").
func (r *Registry) Detach(pid int) error {
	r.mu.Lock()
	process, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("detach: %w (pid=%d)", ErrProcessNotFound, pid)
	}

	idle := r.processes[IdlePid]
	for _, tid := range process.Tids() {
		t := r.threads[tid]
		process.remove(tid)
		t.mu.Lock()
		t.pid = IdlePid
		t.mu.Unlock()
		idle.add(tid)
	}
	return nil
}

// ThreadCount and ProcessCount support the |mThreads| == Σ|process.threads|
// invariant check exercised by tests (spec.md §8).
func (r *Registry) ThreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

func (r *Registry) ProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}
