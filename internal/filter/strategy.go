package filter

import (
	"fmt"
	"time"

	"github.com/DBCDK/deploy-notifier/internal/types"
)

// DefaultWindow is the suppression window of the TimeWindow strategy.
const DefaultWindow = 5 * time.Second

// Strategy decides whether next repeats the previously emitted record.
type Strategy interface {
	Name() string
	IsDuplicate(prev, next types.EventRecord) bool
}

// ContentEquality treats a record as a duplicate when change type and
// canonical snapshot both match the stored record.
type ContentEquality struct{}

// Name implements Strategy.
func (ContentEquality) Name() string { return "content" }

// IsDuplicate implements Strategy.
func (ContentEquality) IsDuplicate(prev, next types.EventRecord) bool {
	return prev.SameTransition(next)
}

// TimeWindow treats any record observed within Window of the previous one
// as a duplicate, whatever its content.
type TimeWindow struct {
	Window time.Duration
}

// Name implements Strategy.
func (TimeWindow) Name() string { return "window" }

// IsDuplicate implements Strategy. A record with no observation time never
// suppresses, so tables persisted without timestamps do not hide new events.
func (w TimeWindow) IsDuplicate(prev, next types.EventRecord) bool {
	if prev.ObservedAt.IsZero() {
		return false
	}
	window := w.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return next.ObservedAt.Sub(prev.ObservedAt) < window
}

// StrategyByName resolves the --dedup-strategy flag value.
func StrategyByName(name string, window time.Duration) (Strategy, error) {
	switch name {
	case "", "content":
		return ContentEquality{}, nil
	case "window":
		return TimeWindow{Window: window}, nil
	default:
		return nil, fmt.Errorf("unknown dedup strategy %q (want content or window)", name)
	}
}
