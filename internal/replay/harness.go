package replay

import (
	"github.com/danielpatrickdp/neuroutine/internal/eval"
	"github.com/danielpatrickdp/neuroutine/internal/gate"
	"github.com/danielpatrickdp/neuroutine/internal/logging"
)

// #region types
// Actions assigned to a replayed token.
const (
	ActionAgree      = "agree"       // same decision as recorded
	ActionFlipAccept = "flip_accept" // recorded reject, now accepted
	ActionFlipReject = "flip_reject" // recorded accept, now rejected
)

// Result captures the outcome of re-deciding one recorded token.
type Result struct {
	Step           int
	Draft          string
	RecordedAccept bool
	Accept         bool
	Score          float64
	Verified       bool
	Match          bool // only meaningful when Verified
	Action         string
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Total       int
	Agreements  int
	FlipAccepts int
	FlipRejects int
	// WrongAccepts counts verified tokens the controller accepts although the
	// verifier disagreed.
	WrongAccepts int
	// VerifyCallsSaved counts tokens the recorded run sent to the verifier as
	// rejects that the controller would now accept.
	VerifyCallsSaved int
	Gate             eval.GateStats // over the verified tokens only
}

// #endregion types

// #region replay
// Replay re-decides every recorded token with c. It never calls a runner.
func Replay(records []logging.Record, c gate.Controller) []Result {
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		accept, score := c.Accept(rec.Metrics, rec.Draft)
		r := Result{
			Step:           rec.Step,
			Draft:          rec.Draft,
			RecordedAccept: rec.Accept,
			Accept:         accept,
			Score:          score,
			Verified:       rec.Verify != nil,
			Match:          rec.Match(),
		}
		switch {
		case accept == rec.Accept:
			r.Action = ActionAgree
		case accept:
			r.Action = ActionFlipAccept
		default:
			r.Action = ActionFlipReject
		}
		results = append(results, r)
	}
	return results
}

// Summarize computes aggregate stats from replay results. Gate stats are
// recomputed from the verified records with c.
func Summarize(results []Result, records []logging.Record, c gate.Controller) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Action {
		case ActionAgree:
			s.Agreements++
		case ActionFlipAccept:
			s.FlipAccepts++
			if r.Verified {
				s.VerifyCallsSaved++
			}
		case ActionFlipReject:
			s.FlipRejects++
		}
		if r.Verified && r.Accept && !r.Match {
			s.WrongAccepts++
		}
	}

	var verified []logging.Sample
	for _, rec := range records {
		if rec.Verify != nil {
			verified = append(verified, rec.Sample)
		}
	}
	s.Gate = eval.Stats(verified, c)
	return s
}

// #endregion replay
