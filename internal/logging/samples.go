package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// #region sample
// Sample is one labeled (or, in loop logs, possibly unlabeled) draft token.
type Sample struct {
	PromptLen int             `json:"prompt_len"`
	Step      int             `json:"step"`
	Draft     string          `json:"draft"`
	Verify    *string         `json:"verify"`
	Label     *int            `json:"label"`
	Metrics   signals.Metrics `json:"metrics"`
	TokenLen  int             `json:"token_len"`
	Prompt    string          `json:"prompt,omitempty"`
}

// NewSample builds a sample for a draft token. verified reports whether the
// verify runner was called; only then are Verify and Label set.
func NewSample(prompt string, step int, draft string, m signals.Metrics, verify string, verified bool) Sample {
	s := Sample{
		PromptLen: len(prompt),
		Step:      step,
		Draft:     draft,
		Metrics:   m,
		TokenLen:  len(draft),
	}
	if verified {
		v := verify
		label := 0
		if draft != "" && draft == verify {
			label = 1
		}
		s.Verify = &v
		s.Label = &label
	}
	return s
}

// Labeled reports whether the sample carries a label.
func (s Sample) Labeled() bool { return s.Label != nil }

// Positive reports whether the draft matched the verifier.
func (s Sample) Positive() bool { return s.Label != nil && *s.Label == 1 }

// Match recomputes agreement from the stored tokens, ignoring Label.
func (s Sample) Match() bool {
	return s.Verify != nil && s.Draft != "" && s.Draft == *s.Verify
}

// Features returns the gate feature vector for this sample.
func (s Sample) Features() signals.Vector { return signals.Features(s.Metrics, s.Draft) }

// #endregion sample

// #region record
// Record is one loop log line: the sample plus the decision taken on it.
type Record struct {
	Sample
	Accept        bool    `json:"accept"`
	Score         float64 `json:"score"`
	TeacherCalled bool    `json:"teacher_called"`
	TeacherReason string  `json:"teacher_reason,omitempty"`
	SmallTimeS    float64 `json:"small_time_s"`
	LargeTimeS    float64 `json:"large_time_s"`
	Chosen        string  `json:"chosen"`
	RunID         string  `json:"run_id,omitempty"`
}

// #endregion record

// #region sample-log
// SampleLog is an append-only JSONL writer. Each line is flushed on write.
type SampleLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenSampleLog opens path for appending, creating parent directories.
// truncate starts the file empty, as the collector does.
func OpenSampleLog(path string, truncate bool) (*SampleLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sample log: %w", err)
	}
	return &SampleLog{f: f, path: path}, nil
}

// Path returns the file being written.
func (l *SampleLog) Path() string { return l.path }

// Append writes v as one JSON line.
func (l *SampleLog) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Close closes the file.
func (l *SampleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// #endregion sample-log

// #region read
// ReadRecords parses a JSONL file. Blank lines are skipped; the first
// malformed line fails the read with its line number.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}

// Samples strips the decision fields from records.
func Samples(recs []Record) []Sample {
	out := make([]Sample, len(recs))
	for i, r := range recs {
		out[i] = r.Sample
	}
	return out
}

// #endregion read
