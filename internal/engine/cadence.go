package engine

import (
	"context"
	"log/slog"
)

// Cadence schedules maintenance relative to the generation counter, the
// way a tick loop schedules slower layers off the tick count.
type Cadence struct {
	CompactEvery int // every N finished generations; 0 disables
	BibleEvery   int

	// Populated by the session.
	OnCompact func(ctx context.Context, count int)
	OnBible   func(ctx context.Context, count int)
}

// step runs whatever is due after the count-th finished generation.
func (c *Cadence) step(ctx context.Context, count int) {
	if count <= 0 {
		return
	}

	// Compaction first so the bible update sees the same paragraphs either way.
	if c.CompactEvery > 0 && count%c.CompactEvery == 0 && c.OnCompact != nil {
		slog.Debug("cadence: compaction due", "generation", count)
		c.OnCompact(ctx, count)
	}

	if c.BibleEvery > 0 && count%c.BibleEvery == 0 && c.OnBible != nil {
		slog.Debug("cadence: bible update due", "generation", count)
		c.OnBible(ctx, count)
	}
}
