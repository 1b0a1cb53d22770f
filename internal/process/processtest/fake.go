// Package processtest provides in-memory Spawner and Signaller fakes.
package processtest

import (
	"errors"
	"sync"
	"syscall"

	"github.com/loykin/browsertools/internal/process"
)

// Spawner records spawned specs and hands out fake handles with
// increasing pids. Set Err to make the next spawns fail.
type Spawner struct {
	mu      sync.Mutex
	NextPID int
	Err     error
	// FailOn fails spawns whose Spec.Name is a key.
	FailOn  map[string]error
	Specs   []process.Spec
	Handles []*Handle
	// Signaller, when set, has each spawned pid marked alive.
	Signaller *Signaller
}

func NewSpawner() *Spawner { return &Spawner{NextPID: 1000} }

func (s *Spawner) Spawn(spec process.Spec) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if err := s.FailOn[spec.Name]; err != nil {
		return nil, err
	}
	if len(spec.Args) == 0 {
		return nil, process.ErrEmptyCommand
	}
	s.NextPID++
	h := &Handle{pid: s.NextPID, done: make(chan struct{})}
	s.Specs = append(s.Specs, spec)
	s.Handles = append(s.Handles, h)
	if s.Signaller != nil {
		s.Signaller.Start(h.pid)
	}
	return h, nil
}

// Spawned returns a copy of the recorded specs.
func (s *Spawner) Spawned() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Spec(nil), s.Specs...)
}

// PIDsOf returns the pids of spawns named name.
func (s *Spawner) PIDsOf(name string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i, spec := range s.Specs {
		if spec.Name == name {
			out = append(out, s.Handles[i].pid)
		}
	}
	return out
}

// Last returns the most recently spawned handle, or nil.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Handles) == 0 {
		return nil
	}
	return s.Handles[len(s.Handles)-1]
}

// Handle is a fake child. Exit makes Wait return.
type Handle struct {
	pid      int
	once     sync.Once
	done     chan struct{}
	err      error
	released bool
	mu       sync.Mutex
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) Release() error {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
	return nil
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Exit simulates the child exiting with err.
func (h *Handle) Exit(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Sent is one recorded signal delivery.
type Sent struct {
	PID    int
	Signal syscall.Signal
}

// Signaller tracks a set of live pids. Graceful signals end a pid unless
// it is marked stubborn; SIGKILL always ends it.
type Signaller struct {
	mu       sync.Mutex
	alive    map[int]bool
	stubborn map[int]bool
	Sent     []Sent
	// Err, when set, is returned for every signal to a live pid.
	Err error
}

func NewSignaller(pids ...int) *Signaller {
	s := &Signaller{alive: map[int]bool{}, stubborn: map[int]bool{}}
	for _, p := range pids {
		s.alive[p] = true
	}
	return s
}

// Start marks pid alive.
func (s *Signaller) Start(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[pid] = true
}

// Stubborn marks pid as ignoring graceful signals.
func (s *Signaller) Stubborn(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubborn[pid] = true
}

// Kill marks pid dead without recording a signal.
func (s *Signaller) Kill(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, pid)
}

func (s *Signaller) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, Sent{PID: pid, Signal: sig})
	if !s.alive[pid] {
		return syscall.ESRCH
	}
	if s.Err != nil {
		return s.Err
	}
	if sig == syscall.SIGKILL || !s.stubborn[pid] {
		delete(s.alive, pid)
	}
	return nil
}

func (s *Signaller) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[pid]
}

// Signals returns the signals sent to pid in order.
func (s *Signaller) Signals(pid int) []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []syscall.Signal
	for _, e := range s.Sent {
		if e.PID == pid {
			out = append(out, e.Signal)
		}
	}
	return out
}

// ErrPermission is a convenience non-gone signal error for tests.
var ErrPermission = errors.New("operation not permitted")
