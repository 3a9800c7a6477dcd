package remediate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Locker grants exclusive access to one (environment, resource) target.
// Lock blocks until the target is free or ctx ends. The returned release
// func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, environment, resource, owner string) (release func(), err error)
}

func lockKey(environment, resource string) string {
	return environment + "/" + resource
}

// Locks is the in-process Locker.
type Locks struct {
	mu   sync.Mutex
	held map[string]*holder
}

type holder struct {
	owner string
	done  chan struct{}
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]*holder)}
}

func (l *Locks) Lock(ctx context.Context, environment, resource, owner string) (func(), error) {
	key := lockKey(environment, resource)
	for {
		l.mu.Lock()
		h, busy := l.held[key]
		if !busy {
			h = &holder{owner: owner, done: make(chan struct{})}
			l.held[key] = h
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(h.done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s (held by %s): %w", key, h.owner, ctx.Err())
		}
	}
}

// Holder returns the owner of the lock on a target, if any.
func (l *Locks) Holder(environment, resource string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[lockKey(environment, resource)]
	if !ok {
		return "", false
	}
	return h.owner, true
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end
return 0
`)

// refreshScript extends the lock only when the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('PEXPIRE', KEYS[1], ARGV[2]) end
return 0
`)

// RedisLocks shares target locks across engine replicas. A held lock is
// refreshed every TTL/3 until released, so only a crashed replica lets it
// expire.
type RedisLocks struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration // default 30s
	Poll   time.Duration
	Log    logrus.FieldLogger
}

func (r *RedisLocks) Lock(ctx context.Context, environment, resource, owner string) (func(), error) {
	key := r.Prefix + lockKey(environment, resource)
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	poll := r.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	for {
		ok, err := r.Client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.hold(key, owner, ttl), nil
		}

		t := time.NewTimer(poll)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("waiting for %s: %w", key, ctx.Err())
		}
	}
}

// hold keeps key alive until the returned release func is called.
func (r *RedisLocks) hold(key, owner string, ttl time.Duration) func() {
	log := r.log().WithFields(logrus.Fields{"lock": key, "owner": owner})
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
				n, err := refreshScript.Run(ctx, r.Client, []string{key}, owner, ttl.Milliseconds()).Int()
				cancel()
				switch {
				case err != nil:
					log.WithError(err).Warn("lock refresh failed")
				case n == 0:
					log.Error("lock lost before release")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.Client, []string{key}, owner).Err(); err != nil {
				log.WithError(err).Error("lock release failed, it expires after its TTL")
			}
		})
	}
}

func (r *RedisLocks) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}
