package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// #region load
// Load reads a weights document from path. A missing or unusable file yields
// the Threshold controller; Load never fails.
func Load(path string, opts Options) Controller {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("gate: weights unreadable, using threshold", "path", path, "err", err)
		}
		return Threshold{MarginThreshold: opts.MarginThreshold}
	}
	c, reason := decode(data, opts)
	if reason != "" {
		slog.Warn("gate: weights rejected, using threshold", "path", path, "reason", reason)
	}
	return c
}

// Decode builds a controller from a JSON weights document, degrading to
// Threshold on any missing or malformed field.
func Decode(data []byte, opts Options) Controller {
	c, _ := decode(data, opts)
	return c
}

func decode(data []byte, opts Options) (Controller, string) {
	fallback := Threshold{MarginThreshold: opts.MarginThreshold}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fallback, fmt.Sprintf("parse: %v", err)
	}
	mean, std := normFrom(doc.Mean, doc.Std)

	switch doc.Type {
	case TypeLogRegV1:
		if len(doc.Weights) != signals.Dims {
			return fallback, fmt.Sprintf("logreg: %d weights, want %d", len(doc.Weights), signals.Dims)
		}
		bias := 0.0
		if doc.Bias != nil {
			bias = *doc.Bias
		}
		if degenerate(doc.Weights, bias) {
			return fallback, "logreg: degenerate weights"
		}
		return LogReg{
			Weights:    doc.Weights,
			Bias:       bias,
			Mean:       mean,
			Std:        std,
			AcceptProb: opts.AcceptProb,
		}, ""

	case TypeMLPV1:
		if reason := checkMLP(doc); reason != "" {
			return fallback, reason
		}
		b2 := 0.0
		if doc.B2 != nil {
			b2 = *doc.B2
		}
		return MLP{
			W1:         doc.W1,
			B1:         doc.B1,
			W2:         doc.W2,
			B2:         b2,
			Mean:       mean,
			Std:        std,
			AcceptProb: opts.AcceptProb,
		}, ""

	case "":
		return fallback, ""

	default:
		return fallback, fmt.Sprintf("unknown type %q", doc.Type)
	}
}

// degenerate flags a logreg that collapsed to a constant decision.
func degenerate(w []float64, bias float64) bool {
	maxAbs := 0.0
	for _, v := range w {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	return maxAbs < 1e-6 && math.Abs(bias) > 2
}

func checkMLP(doc Document) string {
	if len(doc.W1) == 0 || len(doc.B1) == 0 || len(doc.W2) == 0 {
		return "mlp: missing layer"
	}
	if len(doc.B1) != len(doc.W1) || len(doc.W2) != len(doc.W1) {
		return fmt.Sprintf("mlp: layer sizes W1=%d b1=%d W2=%d", len(doc.W1), len(doc.B1), len(doc.W2))
	}
	for i, row := range doc.W1 {
		if len(row) != signals.Dims {
			return fmt.Sprintf("mlp: W1 row %d has %d columns", i, len(row))
		}
	}
	return ""
}

// normFrom keeps mean/std only when both match the feature width.
func normFrom(mean, std []float64) ([]float64, []float64) {
	if len(mean) != signals.Dims || len(std) != signals.Dims {
		return nil, nil
	}
	return mean, std
}

// #endregion load

// #region save
// Save writes the document as indented JSON through a temp file and rename,
// so a concurrent Load never sees a partial file.
func (d Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".weights-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp weights: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync weights: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close weights: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename weights: %w", err)
	}
	ok = true
	return nil
}

// Kind reports the controller variant this document decodes to, ignoring validity.
func (d Document) Kind() Kind {
	switch d.Type {
	case TypeLogRegV1:
		return KindLogReg
	case TypeMLPV1:
		return KindMLP
	default:
		return KindThreshold
	}
}

// Float returns a pointer to v, for the optional document fields.
func Float(v float64) *float64 { return &v }

// #endregion save
