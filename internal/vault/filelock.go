package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 50 * time.Millisecond

// fileLock is an exclusive flock on the vault's lock file. The kernel drops
// the lock when the holder dies, so there is no stale-lock cleanup; the pid
// written into the file is informational only.
type fileLock struct {
	file *os.File
}

// acquireFileLock polls for the lock until ctx is done.
func acquireFileLock(ctx context.Context, path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, FileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = file.Close()
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if pid := lockHolder(path); pid > 0 {
					return nil, fmt.Errorf("%w (held by pid %d)", ErrLockTimeout, pid)
				}
				return nil, ErrLockTimeout
			}
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	_ = file.Sync()

	return &fileLock{file: file}, nil
}

// release unlocks. The lock file itself stays: removing it would let a
// waiter that already opened the old inode lock a file nobody else sees.
func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// lockHolder returns the pid recorded in the lock file, or 0.
func lockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
