package collect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Maximum output size to prevent memory exhaustion.
	maxOutputSize = 4 << 20
	// Maximum log output length for readability.
	maxLogLength = 200
	// Default per-executable timeout.
	defaultTimeout = 60 * time.Second
)

// result is the outcome of running one executable.
type result struct {
	Stdout    []byte
	Stderr    string
	Duration  time.Duration
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// runExecutable runs path with args and captures stdout and stderr
// separately. Output beyond maxOutputSize is dropped.
func runExecutable(ctx context.Context, log zerolog.Logger, timeout time.Duration, path string, args ...string) result {
	start := time.Now()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().Str("path", path).Strs("args", args).Msg("Executing")

	cmd := exec.CommandContext(ctx, path, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{buf: &stdoutBuf, max: maxOutputSize}
	cmd.Stdout = stdout
	cmd.Stderr = &limitedWriter{buf: &stderrBuf, max: maxOutputSize}

	err := cmd.Run()
	res := result{
		Stdout:    stdoutBuf.Bytes(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated,
	}
	if res.Truncated {
		log.Warn().Str("path", path).Int("limit", maxOutputSize).Msg("Output truncated")
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("path", path).Dur("elapsed", res.Duration).Msg("Executable timed out")
			res.Stderr = "timed out after " + res.Duration.String()
			res.ExitCode = -1
			res.TimedOut = true
		} else {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.ExitCode = -1
				res.Stderr += fmt.Sprintf("\nexec error: %v", err)
			}
		}
	}

	if trimmed := strings.TrimSpace(res.Stderr); trimmed != "" {
		if len(trimmed) > maxLogLength {
			trimmed = trimmed[:maxLogLength] + "..."
		}
		log.Debug().Str("path", path).Int("bytes", len(res.Stderr)).Msg("stderr: " + trimmed)
	}
	log.Debug().
		Str("path", path).
		Int("exit", res.ExitCode).
		Int("stdout_bytes", len(res.Stdout)).
		Dur("elapsed", res.Duration).
		Msg("Executable completed")
	return res
}

// limitedWriter keeps at most max bytes and silently discards the rest so the
// child never blocks on a full pipe.
type limitedWriter struct {
	buf       *bytes.Buffer
	max       int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	room := w.max - w.buf.Len()
	if room <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// isExecutable reports whether a directory entry is a regular file with any
// execute bit set.
func isExecutable(info fs.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// hidden reports whether name should be skipped when scanning directories.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || name == "__pycache__"
}
