package config

import (
	"github.com/spf13/pflag"
)

// #region binder

// Flags registers command-line overrides on a flag set. Flag values are
// staged separately and copied onto a Config by Apply only when the user set
// them, so a flag's default never masks a file or env value.
type Flags struct {
	fs      *pflag.FlagSet
	applies map[string]func(*Config)
}

// NewFlags binds overrides to fs.
func NewFlags(fs *pflag.FlagSet) *Flags {
	return &Flags{fs: fs, applies: map[string]func(*Config){}}
}

// Apply copies every changed flag onto cfg. Changed is read from the flag
// itself, so flags inherited from a parent command are seen too.
func (f *Flags) Apply(cfg *Config) {
	f.fs.VisitAll(func(fl *pflag.Flag) {
		if !fl.Changed {
			return
		}
		if apply, ok := f.applies[fl.Name]; ok {
			apply(cfg)
		}
	})
}

func bind[T any](f *Flags, register func(*T, string, T, string), name, usage string, field func(*Config) *T) {
	def := Default()
	p := new(T)
	register(p, name, *field(&def), usage)
	f.applies[name] = func(c *Config) { *field(c) = *p }
}

// #endregion binder

// #region groups

// Global registers the flags shared by every command.
func (f *Flags) Global() *Flags {
	bind(f, f.fs.StringVar, "root", "directory relative paths resolve against", func(c *Config) *string { return &c.Root })
	bind(f, f.fs.StringVar, "log-level", "diagnostic log level (debug|info|warn|error)", func(c *Config) *string { return &c.Log.Level })
	bind(f, f.fs.StringVar, "log-file", "also write JSON diagnostics to this file", func(c *Config) *string { return &c.Log.File })
	bind(f, f.fs.StringVar, "metrics-addr", "serve Prometheus metrics on this address", func(c *Config) *string { return &c.Metrics.Addr })
	bind(f, f.fs.StringVar, "db", "controller version store (empty disables)", func(c *Config) *string { return &c.Paths.DB })
	return f
}

// Runners registers the runner subprocess flags.
func (f *Flags) Runners() *Flags {
	bind(f, f.fs.StringVar, "runner", "path to the runner binary", func(c *Config) *string { return &c.Runner.Executable })
	bind(f, f.fs.StringVar, "model-small", "draft model path", func(c *Config) *string { return &c.Runner.ModelSmall })
	bind(f, f.fs.StringVar, "model-large", "verify model path", func(c *Config) *string { return &c.Runner.ModelLarge })
	bind(f, f.fs.IntVar, "ctx", "context length", func(c *Config) *int { return &c.Runner.Ctx })
	bind(f, f.fs.IntVar, "batch", "batch size", func(c *Config) *int { return &c.Runner.Batch })
	bind(f, f.fs.BoolVar, "verbose", "echo runner stderr", func(c *Config) *bool { return &c.Runner.Verbose })
	bind(f, f.fs.Float64Var, "metrics-timeout", "seconds to wait for draft metrics", func(c *Config) *float64 { return &c.Runner.MetricsTimeoutS })
	bind(f, f.fs.IntVar, "max-attempts", "attempts per runner request before giving up (1 disables restarts)", func(c *Config) *int { return &c.Runner.MaxAttempts })

	noFast := new(bool)
	f.fs.BoolVar(noFast, "no-fast", false, "disable the runner's -fast preset")
	f.applies["no-fast"] = func(c *Config) { c.Runner.Fast = !*noFast }
	return f
}

// Gate registers the controller load flags.
func (f *Flags) Gate() *Flags {
	bind(f, f.fs.Float64Var, "accept-prob", "accept threshold for learned controllers", func(c *Config) *float64 { return &c.Gate.AcceptProb })
	bind(f, f.fs.Float64Var, "margin-threshold", "margin threshold before any controller is learned", func(c *Config) *float64 { return &c.Gate.MarginThreshold })
	return f
}

// Prompts registers the prompts file flag.
func (f *Flags) Prompts() *Flags {
	bind(f, f.fs.StringVar, "prompts", "file with one prompt per line", func(c *Config) *string { return &c.Paths.Prompts })
	return f
}

// Loop registers the self-improving loop flags. Trainer flags carry a
// train- prefix where they would clash with loop flags.
func (f *Flags) Loop() *Flags {
	bind(f, f.fs.IntVar, "steps", "tokens per prompt", func(c *Config) *int { return &c.Loop.Steps })
	bind(f, f.fs.IntVar, "cycles", "passes over the prompts (0 runs until interrupted)", func(c *Config) *int { return &c.Loop.Cycles })
	bind(f, f.fs.BoolVar, "mirror", "always output the verify token", func(c *Config) *bool { return &c.Loop.Mirror })
	bind(f, f.fs.Float64Var, "teacher-prob", "probability of verifying an accepted token", func(c *Config) *float64 { return &c.Loop.TeacherProb })
	bind(f, f.fs.IntVar, "teacher-every", "verify every Nth token (0 disables)", func(c *Config) *int { return &c.Loop.TeacherEvery })
	bind(f, f.fs.IntVar, "bootstrap-positives", "verify accepted tokens until this many positives are in the window", func(c *Config) *int { return &c.Loop.BootstrapPositives })
	bind(f, f.fs.Uint64Var, "seed", "teacher sampling seed (0 uses the clock)", func(c *Config) *uint64 { return &c.Loop.Seed })
	bind(f, f.fs.IntVar, "window-size", "training window size", func(c *Config) *int { return &c.Loop.WindowSize })
	bind(f, f.fs.IntVar, "min-samples", "minimum window size before retraining", func(c *Config) *int { return &c.Loop.MinSamples })
	bind(f, f.fs.IntVar, "retrain-every", "retrain every N labeled samples (0 disables)", func(c *Config) *int { return &c.Loop.RetrainEvery })
	bind(f, f.fs.IntVar, "report-every", "report stats every N labeled samples (0 disables)", func(c *Config) *int { return &c.Loop.ReportEvery })
	bind(f, f.fs.IntVar, "accuracy-window", "rolling window for gate accuracy", func(c *Config) *int { return &c.Loop.AccuracyWindow })
	bind(f, f.fs.StringVar, "log", "append loop records here", func(c *Config) *string { return &c.Paths.Log })
	f.Weights()

	bind(f, f.fs.StringVar, "controller", "controller kind to train (mlp|logreg)", func(c *Config) *string { return &c.Train.Controller })
	bind(f, f.fs.IntVar, "mlp-hidden", "hidden units for the MLP controller", func(c *Config) *int { return &c.Train.Hidden })
	bind(f, f.fs.IntVar, "train-steps", "gradient steps per retrain", func(c *Config) *int { return &c.Train.Steps })
	bind(f, f.fs.Uint64Var, "train-seed", "MLP initialization seed", func(c *Config) *uint64 { return &c.Train.Seed })
	bind(f, f.fs.Float64Var, "lr", "learning rate", func(c *Config) *float64 { return &c.Train.LR })
	bind(f, f.fs.Float64Var, "l2", "L2 regularization", func(c *Config) *float64 { return &c.Train.L2 })
	return f
}

// Collect registers the data collection flags.
func (f *Flags) Collect() *Flags {
	bind(f, f.fs.IntVar, "steps", "tokens per prompt", func(c *Config) *int { return &c.Collect.Steps })
	bind(f, f.fs.BoolVar, "include-prompt", "store the running context in each row", func(c *Config) *bool { return &c.Collect.IncludePrompt })
	bind(f, f.fs.StringVar, "out", "training JSONL output", func(c *Config) *string { return &c.Paths.Data })
	return f
}

// Eval registers the live evaluation flags.
func (f *Flags) Eval() *Flags {
	bind(f, f.fs.IntVar, "steps", "tokens per prompt", func(c *Config) *int { return &c.Eval.Steps })
	bind(f, f.fs.StringVar, "weights", "controller weights (empty uses the margin threshold)", func(c *Config) *string { return &c.Eval.Weights })
	return f
}

// Train registers the offline trainer flags.
func (f *Flags) Train() *Flags {
	bind(f, f.fs.StringVar, "data", "training JSONL input", func(c *Config) *string { return &c.Paths.Data })
	bind(f, f.fs.StringVar, "out", "weights JSON output", func(c *Config) *string { return &c.Paths.TrainedWeights })
	bind(f, f.fs.StringVar, "controller", "controller kind (mlp|logreg)", func(c *Config) *string { return &c.Train.Controller })
	bind(f, f.fs.IntVar, "hidden", "hidden units for the MLP", func(c *Config) *int { return &c.Train.Hidden })
	bind(f, f.fs.IntVar, "steps", "gradient steps", func(c *Config) *int { return &c.Train.Steps })
	bind(f, f.fs.Float64Var, "lr", "learning rate", func(c *Config) *float64 { return &c.Train.LR })
	bind(f, f.fs.Float64Var, "l2", "L2 regularization", func(c *Config) *float64 { return &c.Train.L2 })
	bind(f, f.fs.Uint64Var, "seed", "MLP initialization seed", func(c *Config) *uint64 { return &c.Train.Seed })
	bind(f, f.fs.BoolVar, "no-normalize", "disable feature normalization", func(c *Config) *bool { return &c.Train.NoNormalize })
	return f
}

// Replay registers the offline replay flags.
func (f *Flags) Replay() *Flags {
	bind(f, f.fs.StringVar, "log", "loop record log to replay", func(c *Config) *string { return &c.Paths.Log })
	return f.Weights()
}

// Weights registers the live weights path.
func (f *Flags) Weights() *Flags {
	bind(f, f.fs.StringVar, "weights", "live controller weights path", func(c *Config) *string { return &c.Paths.Weights })
	return f
}

// Pipeline registers the one-shot pipeline flags. --steps sets every phase.
func (f *Flags) Pipeline() *Flags {
	steps := new(int)
	f.fs.IntVar(steps, "steps", Default().Collect.Steps, "tokens per prompt in every phase")
	f.applies["steps"] = func(c *Config) {
		c.Collect.Steps, c.Eval.Steps, c.Loop.Steps = *steps, *steps, *steps
	}
	bind(f, f.fs.BoolVar, "mirror", "in the loop phase, always output the verify token", func(c *Config) *bool { return &c.Loop.Mirror })
	bind(f, f.fs.BoolVar, "include-prompt", "store the running context in each collected row", func(c *Config) *bool { return &c.Collect.IncludePrompt })
	return f
}

// #endregion groups
