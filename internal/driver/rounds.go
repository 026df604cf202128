package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/fill"
	"github.com/xkilldash9x/casefill/internal/waitfor"
)

// Filler applies one mapping. *fill.Engine implements it.
type Filler interface {
	Fill(ctx context.Context, m schemas.FieldMapping) fill.Outcome
}

// Remapper re-extracts the page and asks for a fresh mapping.
type Remapper func(ctx context.Context) ([]schemas.FieldMapping, error)

// RoundProgress locates a field outcome within its run.
type RoundProgress struct {
	Round    int
	Position int // 1-based position within the round
	Pending  int // fields attempted this round
	Filled   int // distinct paths filled so far, all rounds
}

// Reporter receives each field outcome as it happens.
type Reporter func(ctx context.Context, r schemas.FieldResult, p RoundProgress)

// RoundController runs mappings until the page stops revealing new fields.
type RoundController struct {
	maxRounds     int
	rerenderDelay time.Duration
	logger        *zap.Logger
}

func NewRoundController(cfg config.RoundsConfig, logger *zap.Logger) *RoundController {
	max := cfg.MaxRounds
	if max <= 0 {
		max = 3
	}
	return &RoundController{maxRounds: max, rerenderDelay: cfg.RerenderDelay, logger: logger.Named("rounds")}
}

// Run fills mappings in order, re-mapping between rounds while anything was filled and
// rounds remain. A field path that was filled is never attempted again. The summary
// counts each path once by its final outcome.
func (rc *RoundController) Run(ctx context.Context, mappings []schemas.FieldMapping, filler Filler, remap Remapper, report Reporter) (schemas.FillSummary, error) {
	var (
		sum    schemas.FillSummary
		filled = make(map[string]bool)
		final  = make(map[string]schemas.FieldOutcome)
	)
	tally := func() schemas.FillSummary {
		sum.Filled, sum.Skipped, sum.Failed = 0, 0, 0
		for _, o := range final {
			switch o {
			case schemas.OutcomeFilled:
				sum.Filled++
			case schemas.OutcomeSkipped:
				sum.Skipped++
			default:
				sum.Failed++
			}
		}
		return sum
	}

	current := mappings
	for round := 1; round <= rc.maxRounds; round++ {
		pending := unfilled(current, filled)
		if len(pending) == 0 {
			break
		}
		sum.Rounds = round
		rc.logger.Debug("Round started.", zap.Int("round", round), zap.Int("fields", len(pending)))

		progressed := false
		for i, m := range pending {
			if err := ctx.Err(); err != nil {
				return tally(), err
			}
			out := filler.Fill(ctx, m)
			key := pathKey(m)
			final[key] = out.Status
			if out.Status == schemas.OutcomeFilled {
				filled[key] = true
				progressed = true
			}
			report(ctx, out.Result(round), RoundProgress{
				Round: round, Position: i + 1, Pending: len(pending), Filled: len(filled),
			})
		}

		if !progressed || round == rc.maxRounds {
			break
		}
		if err := waitfor.Sleep(ctx, rc.rerenderDelay); err != nil {
			return tally(), err
		}
		next, err := remap(ctx)
		if err != nil {
			return tally(), fmt.Errorf("round %d re-map failed: %w", round+1, err)
		}
		if len(unfilled(next, filled)) == 0 {
			rc.logger.Debug("No new fields after re-map.", zap.Int("round", round))
			break
		}
		current = next
	}
	return tally(), nil
}

func unfilled(ms []schemas.FieldMapping, filled map[string]bool) []schemas.FieldMapping {
	var out []schemas.FieldMapping
	for _, m := range ms {
		if !filled[pathKey(m)] {
			out = append(out, m)
		}
	}
	return out
}

// pathKey falls back to the locator for mappings without a field path.
func pathKey(m schemas.FieldMapping) string {
	if m.FieldPath != "" {
		return m.FieldPath
	}
	return "locator:" + m.Locator
}
