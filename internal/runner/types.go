package runner

import (
	"errors"
	"io"
	"strconv"
	"time"
)

// RS terminates every request and response on the runner's stdio.
const RS byte = 0x1E

// exitSentinel is written before teardown.
const exitSentinel = "exit"

// ErrExited is returned by Send once the runner's stdout has reached EOF.
var ErrExited = errors.New("runner exited")

// #region config
// Config describes one runner subprocess.
type Config struct {
	Name       string // "draft" or "verify", used in errors and logs
	Executable string
	Model      string
	Ctx        int
	Batch      int
	Fast       bool
	Metrics    bool // enable the NR| confidence side channel on stderr
	Verbose    bool // echo non-metrics stderr lines
	Echo       io.Writer
	Env        []string // appended to the parent environment

	MetricsBuffer int           // side-channel queue capacity, default 1024
	StopTimeout   time.Duration // grace period before Kill, default 5s
}

// Args returns the runner's command-line flags.
func (c Config) Args() []string {
	args := []string{
		"-serve",
		"-serve-rs",
		"-raw",
		"-keep-cache",
		"-max-tokens", "1",
		"-ctx", strconv.Itoa(c.Ctx),
		"-batch", strconv.Itoa(c.Batch),
		"-model", c.Model,
	}
	if c.Fast {
		args = append(args, "-fast")
	}
	if c.Metrics {
		args = append(args, "-metrics")
	}
	return args
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "runner"
	}
	if c.MetricsBuffer <= 0 {
		c.MetricsBuffer = 1024
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// #endregion config
