package intake

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Config holds screener thresholds.
type Config struct {
	BlockThreshold float32       // Confidence >= this blocks creation (default 0.8)
	Timeout        time.Duration // Per-screen detector budget (default 50ms)
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{BlockThreshold: 0.8, Timeout: 50 * time.Millisecond}
}

// Screener runs every detector against request text in parallel and folds
// the hits into one classification.
type Screener struct {
	detectors []Detector
	cfg       Config
	logger    *zap.Logger
}

// NewScreener creates a Screener.
func NewScreener(detectors []Detector, cfg Config, logger *zap.Logger) *Screener {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Screener{detectors: detectors, cfg: cfg, logger: logger}
}

type detectorOutput struct {
	index    int
	name     string
	category Category
	result   *DetectResult
	err      error
}

// Screen classifies in. A detector that errors or misses the deadline leaves
// the screen incomplete, and an incomplete screen without a stronger hit is
// blocked as screening_incomplete. The buffered channel absorbs late sends.
func (s *Screener) Screen(ctx context.Context, in Input) Classification {
	text := in.Text()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ch := make(chan detectorOutput, len(s.detectors))
	for i, det := range s.detectors {
		go func(i int, d Detector) {
			res, err := d.Detect(ctx, text)
			ch <- detectorOutput{index: i, name: d.Name(), category: d.Category(), result: res, err: err}
		}(i, det)
	}

	collected := make([]detectorOutput, 0, len(s.detectors))
	for remaining := len(s.detectors); remaining > 0; {
		select {
		case out := <-ch:
			collected = append(collected, out)
			remaining--
		case <-ctx.Done():
			s.logger.Warn("intake screening timed out, using partial results",
				zap.Duration("timeout", s.cfg.Timeout),
				zap.Int("collected", len(collected)),
			)
			remaining = 0
		}
	}

	// Restore detector order so ties resolve the same way every run.
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	incomplete := len(collected) < len(s.detectors)
	signals := make([]Signal, 0, len(collected))
	for _, out := range collected {
		if out.err != nil {
			s.logger.Warn("intake detector error", zap.String("detector", out.name), zap.Error(out.err))
			incomplete = true
			continue
		}
		if out.result == nil || !out.result.Triggered {
			continue
		}
		signals = append(signals, Signal{
			Detector:   out.name,
			Category:   out.category,
			Confidence: out.result.Confidence,
			Details:    out.result.Details,
		})
	}
	c := Aggregate(signals, s.cfg.BlockThreshold)
	if incomplete {
		c.Incomplete = true
		if !c.Blocked {
			c.Category = CategoryScreeningIncomplete
			c.Blocked = true
		}
	}
	return c
}

// Aggregate picks the strongest signal. Earlier signals win ties.
func Aggregate(signals []Signal, blockThreshold float32) Classification {
	c := Classification{Category: CategoryUnknown, Signals: signals}
	for _, sig := range signals {
		if sig.Confidence > c.Confidence {
			c.Category = sig.Category
			c.Confidence = sig.Confidence
		}
	}
	c.Blocked = c.Category != CategoryUnknown && c.Confidence >= blockThreshold
	return c
}
