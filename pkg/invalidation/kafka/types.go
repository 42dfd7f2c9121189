package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/cache/keys"
	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

const (
	OpEvict = "evict"
	OpClear = "clear"
)

// WireEvent asks every instance to drop a session, or everything, after
// upstream data has been corrected.
type WireEvent struct {
	Version uint64    `json:"version"`
	Op      string    `json:"op"`
	Season  int       `json:"season,omitempty"`
	Event   string    `json:"event,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	TS      time.Time `json:"ts"`
}

func (w WireEvent) Validate() error {
	if w.Version == 0 {
		return errors.New("version is required")
	}
	switch w.Op {
	case OpClear:
		return nil
	case OpEvict:
	default:
		return fmt.Errorf("op must be %s|%s", OpEvict, OpClear)
	}
	if w.Season <= 0 {
		return errors.New("season is required")
	}
	if strings.TrimSpace(w.Event) == "" {
		return errors.New("event is required")
	}
	if _, err := model.ParseKind(w.Kind); err != nil {
		return err
	}
	return nil
}

// Key returns the session the event targets. Only valid for evict events.
func (w WireEvent) Key() model.SessionKey {
	k, _ := model.ParseKind(w.Kind)
	return model.SessionKey{Season: w.Season, Event: strings.TrimSpace(w.Event), Kind: k}
}

// dedupeKey scopes version ordering: per session for evictions, global for
// clears.
func (w WireEvent) dedupeKey() string {
	if w.Op == OpClear {
		return "clear"
	}
	return "session:" + keys.FingerprintKey(w.Key())
}
