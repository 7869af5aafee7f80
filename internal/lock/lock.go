// Package lock keeps two agent runs, or an agent run and the install engine,
// from overlapping.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// Lock file permissions.
	lockFilePerm = 0o644
	// Linux truncates process names to this many bytes.
	maxCommLength = 15
	// Defaults for bounded waiting.
	defaultAttempts = 3
	defaultPause    = 1 * time.Second
)

var (
	// ErrAlreadyRunning means another agent run holds the lock.
	ErrAlreadyRunning = errors.New("another instance is already running")
	// ErrConflictingProcess means a conflicting process is still running.
	ErrConflictingProcess = errors.New("conflicting process is running")

	errLocked = errors.New("lock held")
)

// Options configures a Locker.
type Options struct {
	Path      string
	Processes []string
	Pause     time.Duration
	Attempts  uint
}

type processInfo struct {
	name string
	pid  int32
}

// Locker acquires the run lock and waits out conflicting processes.
type Locker struct {
	listProcesses func(ctx context.Context) ([]processInfo, error)
	log           zerolog.Logger
	opts          Options
	selfPID       int32
}

// New creates a Locker.
func New(log zerolog.Logger, opts Options) *Locker {
	if opts.Attempts == 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Pause <= 0 {
		opts.Pause = defaultPause
	}
	return &Locker{
		opts:          opts,
		log:           log,
		selfPID:       int32(os.Getpid()), //nolint:gosec // pids fit in int32
		listProcesses: systemProcesses,
	}
}

// Lock is a held run lock.
type Lock struct {
	f    *os.File
	path string
}

func (l *Locker) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(l.opts.Attempts),
		retry.Delay(l.opts.Pause),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

// Acquire takes the advisory lock on the lock file, retrying a bounded number
// of times while another run holds it.
func (l *Locker) Acquire(ctx context.Context) (*Lock, error) {
	if l.opts.Path == "" {
		return nil, errors.New("no lock path configured")
	}
	if err := os.MkdirAll(filepath.Dir(l.opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lk, err := retry.DoWithData(func() (*Lock, error) {
		f, err := os.OpenFile(l.opts.Path, os.O_RDWR|os.O_CREATE, lockFilePerm)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("failed to open lock file: %w", err))
		}
		if err := tryLock(f); err != nil {
			_ = f.Close() //nolint:errcheck // lock not taken
			if errors.Is(err, errLocked) {
				l.log.Debug().Str("path", l.opts.Path).Msg("Lock held, waiting")
				return nil, err
			}
			return nil, retry.Unrecoverable(err)
		}
		return &Lock{f: f, path: l.opts.Path}, nil
	}, l.retryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, errLocked) {
			if pid := holderPID(l.opts.Path); pid > 0 {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	if err := lk.f.Truncate(0); err == nil {
		if _, err := lk.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
			l.log.Warn().Err(err).Msg("Could not record pid in lock file")
		}
	}
	l.log.Debug().Str("path", l.opts.Path).Msg("Acquired run lock")
	return lk, nil
}

// Release drops the lock. The file is emptied and left in place so that
// waiters keep contending on the same inode.
func (lk *Lock) Release() error {
	if lk == nil || lk.f == nil {
		return nil
	}
	var errs []error
	if err := lk.f.Truncate(0); err != nil {
		errs = append(errs, err)
	}
	if err := unlock(lk.f); err != nil {
		errs = append(errs, err)
	}
	if err := lk.f.Close(); err != nil {
		errs = append(errs, err)
	}
	lk.f = nil
	return errors.Join(errs...)
}

func holderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0
	}
	return pid
}

// WaitForProcesses polls the process table until none of the configured
// processes is running, for a bounded number of attempts. The calling process
// is never counted.
func (l *Locker) WaitForProcesses(ctx context.Context) error {
	if len(l.opts.Processes) == 0 {
		return nil
	}
	return retry.Do(func() error {
		running, err := l.running(ctx)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if running != "" {
			l.log.Debug().Str("process", running).Msg("Conflicting process running, waiting")
			return fmt.Errorf("%w: %s", ErrConflictingProcess, running)
		}
		return nil
	}, l.retryOptions(ctx)...)
}

// running returns the first configured process name found running.
func (l *Locker) running(ctx context.Context) (string, error) {
	procs, err := l.listProcesses(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list processes: %w", err)
	}
	for _, p := range procs {
		if p.pid == l.selfPID {
			continue
		}
		for _, want := range l.opts.Processes {
			if matchName(p.name, want) {
				return want, nil
			}
		}
	}
	return "", nil
}

func matchName(got, want string) bool {
	if got == want {
		return true
	}
	return len(got) == maxCommLength && strings.HasPrefix(want, got)
}

func systemProcesses(ctx context.Context) ([]processInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]processInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit while we walk the table.
			continue
		}
		out = append(out, processInfo{pid: p.Pid, name: name})
	}
	return out, nil
}
