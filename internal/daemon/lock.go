package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/harunnryd/chatgate/internal/pathutil"
)

const DefaultLockRetry = 100 * time.Millisecond

// InstanceLock keeps a second chatgate process from serving the same tenants.
type InstanceLock struct {
	mu         sync.Mutex
	fileLock   *flock.Flock
	path       string
	acquiredAt time.Time
}

// AcquireInstanceLock retries until the lock is held or ctx ends.
func AcquireInstanceLock(ctx context.Context, path string) (*InstanceLock, error) {
	path, err := pathutil.EnsureParent(path)
	if err != nil {
		return nil, fmt.Errorf("lock path: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, DefaultLockRetry)
	if err != nil {
		return nil, fmt.Errorf("another chatgate instance holds %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another chatgate instance holds %s", path)
	}

	l := &InstanceLock{fileLock: fl, path: path, acquiredAt: time.Now()}
	slog.Info("Instance lock acquired", "path", path)
	return l, nil
}

func (l *InstanceLock) Path() string {
	return l.path
}

func (l *InstanceLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return nil
	}
	slog.Info("Instance lock releasing", "path", l.path, "held_duration_ms", time.Since(l.acquiredAt).Milliseconds())
	err := l.fileLock.Unlock()
	l.fileLock = nil
	if err != nil {
		return fmt.Errorf("release instance lock: %w", err)
	}
	return nil
}
