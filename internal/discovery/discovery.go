// Package discovery tells routers which workers to dial.
package discovery

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
)

// Target is one worker a router should keep a link to.
type Target struct {
	ID      envelope.WorkerID `json:"id"`
	Address string            `json:"address"`
	Region  string            `json:"region,omitempty"`
}

// Source lists the current targets.
type Source interface {
	Targets(ctx context.Context) ([]Target, error)
}

// Notifier is implemented by sources that can signal a change before the
// next poll is due.
type Notifier interface {
	// Changes returns a channel that receives after the target set may have
	// changed. It is closed when the subscription ends.
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// Static is a fixed address list.
type Static []string

// NewStatic parses a comma separated address list.
func NewStatic(list string) Static {
	var s Static
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			s = append(s, a)
		}
	}
	return s
}

// Targets implements Source. Static targets have no ID; routers learn it
// from the worker's init.
func (s Static) Targets(context.Context) ([]Target, error) {
	out := make([]Target, 0, len(s))
	for _, a := range s {
		out = append(out, Target{Address: a})
	}
	return out, nil
}

// Addresses returns the sorted, deduplicated addresses of targets.
func Addresses(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Address != "" {
			out = append(out, t.Address)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// WatchConfig configures Watch.
type WatchConfig struct {
	// Interval between polls. Default 5s.
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *logging.Logger
}

// Watch polls src until ctx is done and calls apply with the address list
// whenever it changes. Failed polls are retried with exponential backoff
// capped at the poll interval; the last good list stays in effect. A
// source that is also a Notifier is re-polled as soon as it signals.
func Watch(ctx context.Context, src Source, cfg WatchConfig, apply func([]string)) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}
	logger := cfg.Logger.Named("discovery")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval / 10
	b.MaxInterval = cfg.Interval
	b.MaxElapsedTime = 0
	b.Reset()

	var changes <-chan struct{}
	if n, ok := src.(Notifier); ok {
		ch, err := n.Changes(ctx)
		if err != nil {
			logger.Warnf("change notifications unavailable, polling only", map[string]any{"error": err.Error()})
		} else {
			changes = ch
		}
	}

	var last []string
	first := true
	for {
		wait := cfg.Interval
		targets, err := src.Targets(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = b.NextBackOff()
			logger.Warnf("worker discovery failed", map[string]any{"error": err.Error(), "retryIn": wait.String()})
		} else {
			b.Reset()
			addrs := Addresses(targets)
			if first || !slices.Equal(addrs, last) {
				logger.Infof("worker set changed", map[string]any{"workers": addrs})
				apply(addrs)
				last = addrs
				first = false
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-cfg.Clock.After(wait):
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}
