// Package session caches fetched session datasets behind a loading-state
// machine: a reduced dataset is served as soon as possible while the full
// dataset is fetched in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

var (
	ErrInvalidRequest = errors.New("invalid session request")
	ErrFetchFailed    = errors.New("session fetch failed")
	ErrTimeout        = errors.New("timed out waiting for full dataset")
	ErrNotFound       = errors.New("session not found")
	ErrNotReady       = errors.New("session reduced dataset not loaded yet")
)

const maxEventLen = 100

// Fetcher loads one session at the requested fidelity. It is the only
// blocking dependency of the cache.
type Fetcher interface {
	Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error)
}

// Scheduler runs background upgrades. Submit must not block and reports
// whether the job was accepted.
type Scheduler interface {
	Submit(job func(ctx context.Context)) bool
}

type State int

const (
	StatePending State = iota
	StateLoadingReduced
	StateReady
	StateLoadingFull
	StateError
)

var stateNames = [...]string{
	StatePending:        "pending",
	StateLoadingReduced: "loading_reduced",
	StateReady:          "ready",
	StateLoadingFull:    "loading_full",
	StateError:          "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Info is a point-in-time view of one cache record.
type Info struct {
	ID               string     `json:"session_id"`
	Season           int        `json:"year"`
	Event            string     `json:"grand_prix"`
	Kind             model.Kind `json:"session_type"`
	State            State      `json:"state"`
	FullyLoaded      bool       `json:"fully_loaded"`
	HasData          bool       `json:"has_data"`
	UpgradeInFlight  bool       `json:"upgrade_in_flight"`
	Generation       uint64     `json:"generation"`
	CreatedAt        time.Time  `json:"created_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	LastError        string     `json:"last_error,omitempty"`
}

func (i Info) Key() model.SessionKey {
	return model.SessionKey{Season: i.Season, Event: i.Event, Kind: i.Kind}
}

// Snapshot pairs a record's Info with the dataset it currently holds, which
// may be nil while the reduced fetch is running or after it failed.
type Snapshot struct {
	Info
	Dataset *model.Dataset `json:"-"`
}

// Validate checks a request triple before anything is fetched.
func Validate(season int, event string, kind model.Kind, minSeason, maxSeason int) error {
	if season < minSeason || season > maxSeason {
		return fmt.Errorf("%w: season %d outside %d..%d", ErrInvalidRequest, season, minSeason, maxSeason)
	}
	ev := strings.TrimSpace(event)
	if ev == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(ev) > maxEventLen {
		return fmt.Errorf("%w: event longer than %d characters", ErrInvalidRequest, maxEventLen)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown session kind %q", ErrInvalidRequest, string(kind))
	}
	return nil
}

// Notification is emitted after every state transition and removal.
type Notification struct {
	Type string // "transition" or "evicted"
	From State
	Info Info
	At   time.Time
}

const (
	NotifyTransition = "transition"
	NotifyEvicted    = "evicted"
)

// Notifier receives every Notification. Transitions of one record arrive
// in order and before that record's eviction. Notify is called with cache
// locks held: it must not block or call back into the cache.
type Notifier interface {
	Notify(n Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
