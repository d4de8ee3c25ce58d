package scheduler

import "sync"

// subjectLocks hands out one mutex per subject, dropping it once nobody holds or waits on it.
type subjectLocks struct {
	mu sync.Mutex
	m  map[string]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{m: make(map[string]*subjectLock)}
}

// Lock blocks until the subject's lock is held and returns its unlock func.
func (l *subjectLocks) Lock(subject string) func() {
	l.mu.Lock()
	sl, ok := l.m[subject]
	if !ok {
		sl = &subjectLock{}
		l.m[subject] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.m, subject)
		}
		l.mu.Unlock()
	}
}

func (l *subjectLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
