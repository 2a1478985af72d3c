package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
	"github.com/danielpatrickdp/neuroutine/internal/orchestrator"
	"github.com/danielpatrickdp/neuroutine/internal/runner"
	"github.com/danielpatrickdp/neuroutine/internal/train"
)

// #region types

// Config is the full settings tree. Precedence is flag > env > file > default.
type Config struct {
	Root    string        `toml:"root" yaml:"root"` // relative paths resolve here; empty means the working directory
	Runner  RunnerConfig  `toml:"runner" yaml:"runner"`
	Loop    LoopConfig    `toml:"loop" yaml:"loop"`
	Collect CollectConfig `toml:"collect" yaml:"collect"`
	Eval    EvalConfig    `toml:"eval" yaml:"eval"`
	Train   TrainConfig   `toml:"train" yaml:"train"`
	Gate    GateConfig    `toml:"gate" yaml:"gate"`
	Paths   PathsConfig   `toml:"paths" yaml:"paths"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

type RunnerConfig struct {
	Executable      string  `toml:"executable" yaml:"executable"`
	ModelSmall      string  `toml:"model_small" yaml:"model_small"`
	ModelLarge      string  `toml:"model_large" yaml:"model_large"`
	Ctx             int     `toml:"ctx" yaml:"ctx" validate:"gt=0"`
	Batch           int     `toml:"batch" yaml:"batch" validate:"gt=0"`
	Fast            bool    `toml:"fast" yaml:"fast"`
	Verbose         bool    `toml:"verbose" yaml:"verbose"`
	MetricsTimeoutS float64 `toml:"metrics_timeout_s" yaml:"metrics_timeout_s" validate:"gte=0"`
	MaxAttempts     int     `toml:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
}

type LoopConfig struct {
	Steps              int     `toml:"steps" yaml:"steps" validate:"gte=1"`
	Cycles             int     `toml:"cycles" yaml:"cycles" validate:"gte=0"`
	Mirror             bool    `toml:"mirror" yaml:"mirror"`
	TeacherProb        float64 `toml:"teacher_prob" yaml:"teacher_prob" validate:"gte=0,lte=1"`
	TeacherEvery       int     `toml:"teacher_every" yaml:"teacher_every" validate:"gte=0"`
	BootstrapPositives int     `toml:"bootstrap_positives" yaml:"bootstrap_positives" validate:"gte=0"`
	Seed               uint64  `toml:"seed" yaml:"seed"` // 0 seeds from the clock
	WindowSize         int     `toml:"window_size" yaml:"window_size" validate:"gte=1"`
	MinSamples         int     `toml:"min_samples" yaml:"min_samples" validate:"gte=0"`
	RetrainEvery       int     `toml:"retrain_every" yaml:"retrain_every" validate:"gte=0"`
	ReportEvery        int     `toml:"report_every" yaml:"report_every" validate:"gte=0"`
	AccuracyWindow     int     `toml:"accuracy_window" yaml:"accuracy_window" validate:"gte=1"`
}

type CollectConfig struct {
	Steps         int  `toml:"steps" yaml:"steps" validate:"gte=1"`
	IncludePrompt bool `toml:"include_prompt" yaml:"include_prompt"`
}

type EvalConfig struct {
	Steps   int    `toml:"steps" yaml:"steps" validate:"gte=1"`
	Weights string `toml:"weights" yaml:"weights"` // empty scores with the margin threshold
}

type TrainConfig struct {
	Controller  string  `toml:"controller" yaml:"controller" validate:"oneof=mlp logreg"`
	Hidden      int     `toml:"hidden" yaml:"hidden" validate:"gte=1"`
	Steps       int     `toml:"steps" yaml:"steps" validate:"gte=0"`
	LR          float64 `toml:"lr" yaml:"lr" validate:"gt=0"`
	L2          float64 `toml:"l2" yaml:"l2" validate:"gte=0"`
	Seed        uint64  `toml:"seed" yaml:"seed"`
	NoNormalize bool    `toml:"no_normalize" yaml:"no_normalize"`
}

type GateConfig struct {
	AcceptProb      float64 `toml:"accept_prob" yaml:"accept_prob" validate:"gte=0,lte=1"`
	MarginThreshold float64 `toml:"margin_threshold" yaml:"margin_threshold"`
}

type PathsConfig struct {
	Weights        string `toml:"weights" yaml:"weights" validate:"required"` // live controller, rewritten on retrain
	Log            string `toml:"log" yaml:"log" validate:"required"`         // live JSONL record log
	Data           string `toml:"data" yaml:"data" validate:"required"`       // collect output, train input
	TrainedWeights string `toml:"trained_weights" yaml:"trained_weights" validate:"required"`
	Prompts        string `toml:"prompts" yaml:"prompts"`
	DB             string `toml:"db" yaml:"db"` // controller version store; empty disables
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	File  string `toml:"file" yaml:"file"`
}

type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// #endregion types

// #region defaults

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Runner: RunnerConfig{
			Ctx:             1024,
			Batch:           32,
			Fast:            true,
			MetricsTimeoutS: 2,
			MaxAttempts:     3,
		},
		Loop: LoopConfig{
			Steps:              6,
			Mirror:             true,
			BootstrapPositives: 4,
			WindowSize:         500,
			MinSamples:         50,
			RetrainEvery:       50,
			ReportEvery:        25,
			AccuracyWindow:     100,
		},
		Collect: CollectConfig{Steps: 8},
		Eval:    EvalConfig{Steps: 8},
		Train: TrainConfig{
			Controller: string(gate.KindMLP),
			Hidden:     8,
			Steps:      400,
			LR:         0.1,
			Seed:       1,
		},
		Gate: GateConfig{AcceptProb: 0.5, MarginThreshold: 1.0},
		Paths: PathsConfig{
			Weights:        "data/neuroutine/live_weights.json",
			Log:            "data/neuroutine/live.jsonl",
			Data:           "data/neuroutine_train.jsonl",
			TrainedWeights: "data/neuroutine_weights.json",
			DB:             "data/neuroutine/state.db",
		},
		Log: LogConfig{Level: "info"},
	}
}

// #endregion defaults

// #region load

// Load returns Default overlaid with the file at path. The format follows the
// extension (.toml, .yaml, .yml). Unknown keys are an error. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("parse config %s: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("parse config %s: unsupported extension", path)
	}
	return cfg, nil
}

// #endregion load

// #region env

// EnvPrefix starts every environment override.
const EnvPrefix = "NEUROUTINE_"

// ApplyEnv overlays NEUROUTINE_* variables read through lookup (os.LookupEnv
// in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("ROOT", &c.Root)
	str("RUNNER", &c.Runner.Executable)
	str("MODEL_SMALL", &c.Runner.ModelSmall)
	str("MODEL_LARGE", &c.Runner.ModelLarge)
	str("CONTROLLER", &c.Train.Controller)
	str("WEIGHTS", &c.Paths.Weights)
	str("LOG", &c.Paths.Log)
	str("DATA", &c.Paths.Data)
	str("PROMPTS", &c.Paths.Prompts)
	str("DB", &c.Paths.DB)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if v, ok := lookup(EnvPrefix + "MIRROR"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env %sMIRROR: %w", EnvPrefix, err)
		}
		c.Loop.Mirror = b
	}
	if v, ok := lookup(EnvPrefix + "SEED"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("env %sSEED: %w", EnvPrefix, err)
		}
		c.Loop.Seed = n
	}
	if v, ok := lookup(EnvPrefix + "MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %sMAX_ATTEMPTS: %w", EnvPrefix, err)
		}
		c.Runner.MaxAttempts = n
	}
	return nil
}

// #endregion env

// #region validate

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// #endregion validate

// #region convert

// PipelineSteps runs every pipeline phase for the collect step count.
func (c *Config) PipelineSteps() {
	c.Eval.Steps, c.Loop.Steps = c.Collect.Steps, c.Collect.Steps
}

// Path resolves p against Root. Absolute and empty paths pass through.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c Config) root() string {
	if c.Root != "" {
		return c.Root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Models returns the draft and verify model paths, falling back to the
// bundled assets under Root.
func (c Config) Models() (small, large string) {
	assets := filepath.Join(c.root(), "assets", "models")
	small = c.Runner.ModelSmall
	if small == "" {
		small = filepath.Join(assets, "nox.gguf")
		if tiny := filepath.Join(assets, "tinyllama.gguf"); fileExists(tiny) {
			small = tiny
		}
	}
	large = c.Runner.ModelLarge
	if large == "" {
		large = filepath.Join(assets, "mistral-7b-q4.gguf")
	}
	return small, large
}

// Runners returns the draft (metrics on) and verify runner configs.
func (c Config) Runners() (draft, verify runner.Config) {
	small, large := c.Models()
	base := runner.Config{
		Executable: runner.Resolve(c.root(), c.Runner.Executable),
		Ctx:        c.Runner.Ctx,
		Batch:      c.Runner.Batch,
		Fast:       c.Runner.Fast,
		Verbose:    c.Runner.Verbose,
	}
	draft, verify = base, base
	draft.Name, draft.Model, draft.Metrics = "draft", small, true
	verify.Name, verify.Model = "verify", large
	return draft, verify
}

// RestartPolicy returns the runner restart policy.
func (c Config) RestartPolicy() runner.RestartPolicy {
	p := runner.DefaultRestartPolicy()
	p.MaxAttempts = c.Runner.MaxAttempts
	return p
}

// MetricsTimeout returns the side-channel wait per draft token.
func (c Config) MetricsTimeout() time.Duration {
	return time.Duration(c.Runner.MetricsTimeoutS * float64(time.Second))
}

// GateOptions returns the controller load options.
func (c Config) GateOptions() gate.Options {
	return gate.Options{AcceptProb: c.Gate.AcceptProb, MarginThreshold: c.Gate.MarginThreshold}
}

// TrainConfig returns the trainer settings.
func (c Config) TrainConfig() train.Config {
	return train.Config{
		Kind:        gate.Kind(c.Train.Controller),
		Hidden:      c.Train.Hidden,
		Steps:       c.Train.Steps,
		LR:          c.Train.LR,
		L2:          c.Train.L2,
		Seed:        c.Train.Seed,
		NoNormalize: c.Train.NoNormalize,
	}
}

// Orchestrator returns the loop settings. A zero seed is replaced by the clock.
func (c Config) Orchestrator(runID string) orchestrator.Config {
	seed := c.Loop.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return orchestrator.Config{
		Steps:              c.Loop.Steps,
		Cycles:             c.Loop.Cycles,
		Mirror:             c.Loop.Mirror,
		TeacherProb:        c.Loop.TeacherProb,
		TeacherEvery:       c.Loop.TeacherEvery,
		BootstrapPositives: c.Loop.BootstrapPositives,
		Seed:               seed,
		WindowSize:         c.Loop.WindowSize,
		MinSamples:         c.Loop.MinSamples,
		RetrainEvery:       c.Loop.RetrainEvery,
		ReportEvery:        c.Loop.ReportEvery,
		AccuracyWindow:     c.Loop.AccuracyWindow,
		MetricsTimeout:     c.MetricsTimeout(),
		WeightsPath:        c.Path(c.Paths.Weights),
		RunID:              runID,
		Train:              c.TrainConfig(),
		Gate:               c.GateOptions(),
	}
}

// Logging returns the diagnostic logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, File: c.Path(c.Log.File)}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// #endregion convert
