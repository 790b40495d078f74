// Package lockfile guards a MetaMind state directory with an exclusive flock,
// so two engines never share one local store. The lock is released by the
// kernel when the process exits, gracefully or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "metamind.lock"

// Info is what a lock file records about its holder.
type Info struct {
	PID     int
	Owner   string
	Started time.Time
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Owner != "" {
		fmt.Fprintf(&b, "owner=%s\n", i.Owner)
	}
	if !i.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// ParseInfo reads the key=value lines of a lock file. Unknown keys and
// malformed values are ignored.
func ParseInfo(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				info.PID = pid
			}
		case "owner":
			info.Owner = val
		case "started":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				info.Started = ts
			}
		}
	}
	return info
}

// Lock is an acquired state directory lock.
type Lock struct {
	file     *os.File
	path     string
	info     Info
	acquired bool
}

// AcquireLock takes the exclusive lock on stateDir for owner, typically the
// progress key of the session being run. It fails with a *LockError when
// another process holds the lock.
func AcquireLock(stateDir, owner string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: attempting", "lock_path", lockPath, "owner", owner)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// truncated only once the lock is held
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		existing := describeExisting(lockPath)
		slog.Error("AcquireLock: state directory is locked", "lock_path", lockPath, "existing", existing, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: existing, Cause: err}
	}

	info := Info{PID: os.Getpid(), Owner: owner, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: acquired state directory lock", "lock_path", lockPath, "pid", info.PID, "owner", owner)
	return &Lock{file: file, path: lockPath, info: info, acquired: true}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("writeInfo: failed to sync lock file", "error", err)
	}
	return nil
}

// Info returns what this lock recorded about its holder.
func (l *Lock) Info() Info {
	return l.info
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release releases the lock and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: failed to release flock", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: failed to close lock file", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil {
		slog.Error("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	l.acquired = false
	l.file = nil
	slog.Info("Lock.Release: released state directory lock", "lock_path", l.path)
	return nil
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another MetaMind engine is already using this state directory (lock file %s)", e.LockPath)
	if e.ExistingInfo != "" {
		msg += "; holder: " + e.ExistingInfo
	}
	return msg + fmt.Sprintf("; if no other engine is running, remove the stale lock with: rm %s", e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeExisting summarizes the holder recorded in an existing lock file.
func describeExisting(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	if len(data) == 0 {
		return "lock file exists but contains no process information"
	}
	info := ParseInfo(string(data))
	if info.PID == 0 {
		return fmt.Sprintf("process information: %s", strings.TrimSpace(string(data)))
	}
	state := "not running - stale lock"
	if isProcessRunning(info.PID) {
		state = "running"
	}
	desc := fmt.Sprintf("PID %d (%s)", info.PID, state)
	if info.Owner != "" {
		desc += ", session " + info.Owner
	}
	return desc
}

// isProcessRunning sends signal 0 to pid to check that it exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
