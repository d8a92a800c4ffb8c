package storage

import (
	"container/list"
	"os"
	"sync"
)

// handlePool is a capped LRU of open *os.File handles, keyed by path. It
// replaces the teacher's "every file open for the whole transfer's life"
// []*datafile model so a transfer sharing many small files doesn't exhaust
// the process's file-descriptor budget (spec.md §4.4, §5: "the adapter owns
// the file handle pool (capped, LRU-closed)").
type handlePool struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List
	elements map[string]*list.Element
}

type handleEntry struct {
	path string
	f    *os.File
}

func newHandlePool(capacity int) *handlePool {
	if capacity < 1 {
		capacity = 1
	}
	return &handlePool{
		cap:      capacity,
		ll:       list.New(),
		elements: make(map[string]*list.Element),
	}
}

// acquire returns the open handle for path, opening (and evicting the
// least-recently-used handle, if at capacity) as needed.
func (p *handlePool) acquire(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.elements[path]; ok {
		p.ll.MoveToFront(el)
		return el.Value.(*handleEntry).f, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	el := p.ll.PushFront(&handleEntry{path: path, f: f})
	p.elements[path] = el

	if p.ll.Len() > p.cap {
		p.evictOldestLocked()
	}

	return f, nil
}

func (p *handlePool) evictOldestLocked() {
	oldest := p.ll.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*handleEntry)
	entry.f.Close()
	delete(p.elements, entry.path)
	p.ll.Remove(oldest)
}

// closeAll closes every currently open handle, used before a rename, move,
// or delete so the filesystem operation doesn't race an open descriptor.
func (p *handlePool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for el := p.ll.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*handleEntry)
		if err := entry.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.ll.Init()
	p.elements = make(map[string]*list.Element)
	return firstErr
}
