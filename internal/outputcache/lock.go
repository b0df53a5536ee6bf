package outputcache

import (
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
)

// acquireTaskLock takes an advisory lock on cacheDir, preventing two
// invocations on the same machine from racing a capture/restore of the
// same task's cached output directory. It retries briefly while another
// process holds the lock.
func acquireTaskLock(cacheDir string) (lockfile.Lockfile, error) {
	if err := ensureDir(cacheDir); err != nil {
		return "", err
	}
	lock, err := lockfile.New(filepath.Join(cacheDir, ".lock"))
	if err != nil {
		return "", errors.Wrap(err, "constructing lockfile")
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err = backoff.Retry(func() error {
		return lock.TryLock()
	}, policy)
	if err != nil {
		return "", errors.Wrapf(err, "locking %v", cacheDir)
	}
	return lock, nil
}

func releaseTaskLock(lock lockfile.Lockfile) {
	_ = lock.Unlock()
}

// retryRename wraps os.Rename with a short bounded backoff: transient
// EXDEV or locked-file errors on the atomic output-manifest rename are
// retried, but a task's own command failure never is (this never wraps
// command execution).
func retryRename(rename func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(rename, policy)
}
