package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// #region handle
// Handle owns one runner subprocess. Send is strictly one request at a time;
// a background goroutine drains stderr and feeds the metrics queue.
type Handle struct {
	cfg  Config
	cmd  *exec.Cmd
	echo io.Writer

	mu      sync.Mutex // one request in flight
	writeMu sync.Mutex // guards stdin between Send and Close
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	exited  bool

	metrics    chan signals.Metrics // nil when the side channel is off
	dropped    atomic.Int64
	readerDone chan struct{}
	closeOnce  sync.Once
}

// Start spawns the runner. A spawn failure is returned as-is and is not retried.
func Start(cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	cmd := exec.Command(cfg.Executable, cfg.Args()...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s runner: stdin pipe: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s runner: stdout pipe: %w", cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s runner: stderr pipe: %w", cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s runner %s: %w", cfg.Name, cfg.Executable, err)
	}

	h := &Handle{
		cfg:        cfg,
		cmd:        cmd,
		echo:       cfg.Echo,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		readerDone: make(chan struct{}),
	}
	if h.echo == nil {
		h.echo = os.Stderr
	}
	if cfg.Metrics {
		h.metrics = make(chan signals.Metrics, cfg.MetricsBuffer)
	}
	go h.readStderr(stderr)
	return h, nil
}

// Name returns the configured runner name.
func (h *Handle) Name() string { return h.cfg.Name }

// #endregion handle

// #region send
// Send writes prompt + RS and blocks until the runner answers with a
// RS-terminated response. EOF also terminates a response; the text read so far
// is returned and every later Send fails with ErrExited. ctx is only checked
// before the write.
func (h *Handle) Send(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return "", fmt.Errorf("%s runner: %w", h.cfg.Name, ErrExited)
	}

	req := make([]byte, 0, len(prompt)+1)
	req = append(req, prompt...)
	req = append(req, RS)
	if err := h.write(req); err != nil {
		return "", fmt.Errorf("%s runner: write prompt: %w", h.cfg.Name, err)
	}

	resp, err := h.stdout.ReadBytes(RS)
	switch {
	case err == nil:
		return decode(resp[:len(resp)-1]), nil
	case errors.Is(err, io.EOF):
		h.exited = true
		if len(resp) == 0 {
			return "", fmt.Errorf("%s runner: read response: %w", h.cfg.Name, ErrExited)
		}
		return decode(resp), nil
	default:
		return "", fmt.Errorf("%s runner: read response: %w", h.cfg.Name, err)
	}
}

func (h *Handle) write(b []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := h.stdin.Write(b)
	return err
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// #endregion send

// #region metrics
func (h *Handle) readStderr(r io.Reader) {
	defer close(h.readerDone)
	br := bufio.NewReader(r)
	prefix := []byte(signals.MetricsPrefix)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if h.metrics != nil && bytes.HasPrefix(line, prefix) {
				if m, ok := signals.ParseMetricsLine(line); ok {
					h.push(m)
				}
			} else if h.cfg.Verbose {
				h.echo.Write(line)
			}
		}
		if err != nil {
			return
		}
	}
}

// push enqueues m, evicting the oldest record when the queue is full.
func (h *Handle) push(m signals.Metrics) {
	for {
		select {
		case h.metrics <- m:
			return
		default:
		}
		select {
		case <-h.metrics:
			h.dropped.Add(1)
		default:
		}
	}
}

// NextMetrics pops the oldest confidence record, waiting up to timeout.
// ok is false when none arrived in time or the side channel is off.
func (h *Handle) NextMetrics(timeout time.Duration) (signals.Metrics, bool) {
	if h.metrics == nil {
		return signals.Metrics{}, false
	}
	select {
	case m := <-h.metrics:
		return m, true
	default:
	}
	if timeout <= 0 {
		return signals.Metrics{}, false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-h.metrics:
		return m, true
	case <-t.C:
		return signals.Metrics{}, false
	}
}

// Pending reports how many metrics records are queued. More than zero right
// after a pop means the queue has drifted ahead of the responses.
func (h *Handle) Pending() int { return len(h.metrics) }

// Dropped reports how many records were evicted from a full queue.
func (h *Handle) Dropped() int64 { return h.dropped.Load() }

// #endregion metrics

// #region close
// Close sends the exit sentinel, closes stdin, asks the process to terminate
// and reaps it, killing it after StopTimeout. Failures are ignored.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.writeMu.Lock()
		_, _ = h.stdin.Write([]byte(exitSentinel + string(RS)))
		_ = h.stdin.Close()
		h.writeMu.Unlock()

		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-h.readerDone:
		case <-time.After(h.cfg.StopTimeout):
			_ = h.cmd.Process.Kill()
			select {
			case <-h.readerDone:
			case <-time.After(time.Second):
			}
		}
		_ = h.cmd.Wait()
	})
	return nil
}

// #endregion close
