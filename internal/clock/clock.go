// Package clock resolves a run's temporal identity: wall-clock or fully
// deterministic logical time derived from a seed, plus the seeded RNG used
// to mint stable synthetic identifiers for replay.
package clock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how run timestamps are derived.
type Mode string

const (
	// ModeWall uses the real current time.
	ModeWall Mode = "wall"
	// ModeDeterministic derives all timestamps from the seed.
	ModeDeterministic Mode = "deterministic"
)

// BaseEpoch anchors deterministic runs. Arbitrary but fixed: changing it
// breaks byte-reproducibility of previously recorded bundles.
const BaseEpoch int64 = 1_700_000_000

// ParseMode parses a clock mode string, defaulting to wall.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeDeterministic)) {
		return ModeDeterministic
	}
	return ModeWall
}

// RunContext identifies one suite execution. Constructed once at process
// start; immutable except for the ended fields, set exactly once at finalize.
type RunContext struct {
	Suite string
	// Timestamp is the artifact-directory bucket. Always wall-clock-derived,
	// even in deterministic mode, so reruns do not overwrite a prior bundle.
	Timestamp string
	Mode      Mode
	Seed      uint64
	// SeedText preserves the original seed string for display and manifests
	// when it was not numeric (arithmetic then uses 0).
	SeedText     string
	StartedAt    string
	StartEpochS  int64
	EndedAt      string
	EndEpochS    int64
}

// Options configures Resolve. Zero values fall back to the E2E_* environment
// and then to wall-clock defaults.
type Options struct {
	Suite        string
	Mode         string
	Seed         string
	Timestamp    string
	StartedAt    string
	StartEpochS  string
	Now          func() time.Time // test hook; defaults to time.Now
}

func (o *Options) env(key, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(key)
}

// Resolve builds the RunContext for a suite from options, environment, and
// defaults.
//
// In deterministic mode, when the start epoch is not explicitly pinned it is
// derived as BaseEpoch + seed mod 86400, and StartedAt is rendered from that
// epoch. In wall mode both come from the real current time. The Timestamp
// bucket is wall-derived in either mode.
func Resolve(opts Options) *RunContext {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	wall := now().UTC()

	mode := ParseMode(opts.env("E2E_CLOCK_MODE", opts.Mode))

	timestamp := opts.env("E2E_TIMESTAMP", opts.Timestamp)
	if timestamp == "" {
		timestamp = wall.Format("20060102_150405")
	}

	seedText := opts.env("E2E_SEED", opts.Seed)
	if seedText == "" {
		seedText = strings.NewReplacer("_", "", "-", "").Replace(timestamp)
	}
	seed, err := strconv.ParseUint(seedText, 10, 64)
	if err != nil {
		// Non-numeric seeds behave as 0 for arithmetic; the text survives
		// for display.
		seed = 0
	}

	var startedAt string
	var startEpoch int64
	switch mode {
	case ModeDeterministic:
		startEpoch = BaseEpoch + int64(seed%86400)
		if s := opts.env("E2E_RUN_START_EPOCH_S", opts.StartEpochS); s != "" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				startEpoch = v
			}
		}
		startedAt = opts.env("E2E_RUN_STARTED_AT", opts.StartedAt)
		if startedAt == "" {
			startedAt = RenderEpoch(startEpoch)
		}
	default:
		startEpoch = wall.Unix()
		if s := opts.env("E2E_RUN_START_EPOCH_S", opts.StartEpochS); s != "" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				startEpoch = v
			}
		}
		startedAt = opts.env("E2E_RUN_STARTED_AT", opts.StartedAt)
		if startedAt == "" {
			startedAt = wall.Format(time.RFC3339)
		}
	}

	return &RunContext{
		Suite:       opts.Suite,
		Timestamp:   timestamp,
		Mode:        mode,
		Seed:        seed,
		SeedText:    seedText,
		StartedAt:   startedAt,
		StartEpochS: startEpoch,
	}
}

// Finish records the run end exactly once. In deterministic mode the end
// epoch is the start epoch advanced by the number of logical seconds the
// trace consumed; in wall mode it is the real current time.
func (c *RunContext) Finish(logicalSeconds int64, now time.Time) {
	if c.EndedAt != "" {
		return
	}
	if c.Mode == ModeDeterministic {
		c.EndEpochS = c.StartEpochS + logicalSeconds
		c.EndedAt = RenderEpoch(c.EndEpochS)
		return
	}
	c.EndEpochS = now.UTC().Unix()
	c.EndedAt = now.UTC().Format(time.RFC3339)
}

// Deterministic reports whether the run uses the logical clock.
func (c *RunContext) Deterministic() bool {
	return c.Mode == ModeDeterministic
}

// EventTime returns the RFC3339 timestamp for the next trace event: the
// logical clock advanced by seq seconds in deterministic mode, or the real
// current UTC time otherwise.
func (c *RunContext) EventTime(seq int64, now time.Time) string {
	if c.Deterministic() {
		return RenderEpoch(c.StartEpochS + seq)
	}
	return now.UTC().Format(time.RFC3339)
}

// RenderEpoch formats epoch seconds as RFC3339 UTC.
func RenderEpoch(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}

// String implements fmt.Stringer for diagnostics.
func (c *RunContext) String() string {
	return fmt.Sprintf("%s@%s mode=%s seed=%s", c.Suite, c.Timestamp, c.Mode, c.SeedText)
}
