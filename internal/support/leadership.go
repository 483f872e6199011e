package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	lockCallTimeout      = 5 * time.Second
	minRenewalInterval   = time.Second
)

var (
	errLeadershipLost = errors.New("support: leadership lost")

	// Both scripts only touch the key while it still holds our token.
	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LeaderLock elects a single process among replicas sharing one redis server.
// A nil client disables election: Run invokes the function directly.
type LeaderLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func NewLeaderLock(client *redis.Client, key string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &LeaderLock{client: client, key: key, ttl: ttl, token: newLeaderToken()}
}

// Run invokes run whenever this process holds the lock. The context handed to
// run is cancelled when leadership is lost or ctx is done; afterwards the lock
// is contended again until ctx is cancelled.
func (l *LeaderLock) Run(ctx context.Context, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if l == nil || l.client == nil {
		run(ctx)
		return ctx.Err()
	}

	for {
		if err := l.waitForLock(ctx); err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", l.key)
		l.lead(ctx, run)
		log.Debug("leader lock: released", "key", l.key)

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

// waitForLock blocks until the key is ours or ctx is done. Redis errors are
// logged and retried.
func (l *LeaderLock) waitForLock(ctx context.Context) error {
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("leader lock: failed to acquire", "key", l.key, "error", err)
		case ok:
			return nil
		}

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

// lead runs fn while renewing the lock in the background and releases the
// key once fn returns.
func (l *LeaderLock) lead(ctx context.Context, fn func(context.Context)) {
	termCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		l.keepAlive(termCtx, cancel)
	}()

	fn(termCtx)

	cancel()
	<-done
	if err := l.release(); err != nil {
		log.Warn("leader lock: release failed", "key", l.key, "error", err)
	}
}

func (l *LeaderLock) keepAlive(ctx context.Context, lost context.CancelFunc) {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				lost()
				return
			}
		}
	}
}

func (l *LeaderLock) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()

	res, err := compareAndExpire.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errLeadershipLost
	}
	return nil
}

func (l *LeaderLock) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()

	err := compareAndDelete.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func newLeaderToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}
