package clinops

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Locker grants exclusive access to a key. The returned unlock must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

const defaultStripes = 64

type keyLock struct {
	sem  chan struct{}
	refs int
}

type lockStripe struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

// StripedLocker is the in-process Locker. Keys are spread over stripes by
// murmur3 hash; each stripe only guards its key table, and every key owns its
// own semaphore, so holding several keys of one stripe cannot self-deadlock.
type StripedLocker struct {
	stripes []lockStripe
}

// NewStripedLocker creates a locker with n stripes (64 when n <= 0).
func NewStripedLocker(n int) *StripedLocker {
	if n <= 0 {
		n = defaultStripes
	}
	l := &StripedLocker{stripes: make([]lockStripe, n)}
	for i := range l.stripes {
		l.stripes[i].keys = make(map[string]*keyLock)
	}
	return l
}

func (l *StripedLocker) stripe(key string) *lockStripe {
	return &l.stripes[murmur3.Sum32([]byte(key))%uint32(len(l.stripes))]
}

// Lock blocks until key is free or ctx is done.
func (l *StripedLocker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.stripe(key)

	s.mu.Lock()
	kl, ok := s.keys[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.keys[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(s, key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(s, key, kl)
		})
	}, nil
}

func (l *StripedLocker) release(s *lockStripe, key string, kl *keyLock) {
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.keys, key)
	}
	s.mu.Unlock()
}

// Held returns the number of keys currently locked or awaited.
func (l *StripedLocker) Held() int {
	n := 0
	for i := range l.stripes {
		s := &l.stripes[i]
		s.mu.Lock()
		n += len(s.keys)
		s.mu.Unlock()
	}
	return n
}
