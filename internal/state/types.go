package state

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/neuroutine/internal/gate"
)

// ErrNoActive is returned when no controller version has been committed yet.
var ErrNoActive = errors.New("no active controller version")

// #region controller-record
// ControllerRecord is a versioned snapshot of a trained controller document.
type ControllerRecord struct {
	VersionID string
	ParentID  string
	RunID     string
	Kind      gate.Kind
	Document  gate.Document
	CreatedAt time.Time
}

// #endregion controller-record
