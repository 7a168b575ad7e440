package install

import (
	"path/filepath"
	"sync"
)

// PathLocks hands out one mutex per canonical install path.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewPathLocks returns an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: map[string]*pathLock{}}
}

// Lock blocks until path is free and returns the matching unlock function.
func (p *PathLocks) Lock(path string) func() {
	l, key := p.acquire(path)
	l.mu.Lock()
	return func() { p.release(l, key) }
}

// TryLock locks path if it is free.
func (p *PathLocks) TryLock(path string) (func(), bool) {
	l, key := p.acquire(path)
	if !l.mu.TryLock() {
		p.drop(l, key)
		return nil, false
	}
	return func() { p.release(l, key) }, true
}

func (p *PathLocks) acquire(path string) (*pathLock, string) {
	key := canonical(path)

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[key]
	if !ok {
		l = &pathLock{}
		p.locks[key] = l
	}
	l.refs++
	return l, key
}

func (p *PathLocks) release(l *pathLock, key string) {
	l.mu.Unlock()
	p.drop(l, key)
}

func (p *PathLocks) drop(l *pathLock, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
}

func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
