package calibration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/livinlefevreloca/syncrawl/internal/registry"
)

var ErrInsufficientSamples = errors.New("calibration: insufficient samples")

// Samples are one agent's measurements from a calibration phase
type Samples struct {
	Name    string
	Request []time.Duration
	Done    []time.Duration
}

// Profile is the compensation derived for one agent
type Profile struct {
	Name            string        `json:"name"`
	AvgRequestDelay time.Duration `json:"avg_request_delay"`
	AvgDoneDelay    time.Duration `json:"avg_done_delay"`
	Wait            time.Duration `json:"wait"`
	DoneOffset      time.Duration `json:"done_offset"`
	Rounds          int           `json:"rounds"`
	ComputedAt      time.Time     `json:"computed_at"`
}

// Engine owns the calibration profiles. Profiles are keyed by agent name so
// they survive reconnects. Not safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	profiles map[string]Profile
	complete bool
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:   logger,
		profiles: make(map[string]Profile),
	}
}

// Compute derives a profile for every agent from its calibration samples and
// replaces all stored profiles. The result is sorted by ascending average
// request delay, so the last profile belongs to the slowest agent and waits 0.
func (e *Engine) Compute(samples []Samples, now time.Time) ([]Profile, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no agents", ErrInsufficientSamples)
	}

	profiles := make([]Profile, 0, len(samples))
	for _, s := range samples {
		avgRequest, n := mean(s.Request)
		if n == 0 {
			return nil, fmt.Errorf("%w: no request samples for %s", ErrInsufficientSamples, s.Name)
		}
		avgDone, m := mean(s.Done)
		if m == 0 {
			return nil, fmt.Errorf("%w: no done samples for %s", ErrInsufficientSamples, s.Name)
		}
		profiles = append(profiles, Profile{
			Name:            s.Name,
			AvgRequestDelay: avgRequest,
			AvgDoneDelay:    avgDone,
			Rounds:          n,
			ComputedAt:      now,
		})
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].AvgRequestDelay < profiles[j].AvgRequestDelay
	})

	slowest := profiles[len(profiles)-1].AvgRequestDelay
	e.profiles = make(map[string]Profile, len(profiles))
	for i := range profiles {
		profiles[i].Wait = slowest - profiles[i].AvgRequestDelay
		profiles[i].DoneOffset = profiles[i].AvgDoneDelay - profiles[i].AvgRequestDelay
		e.profiles[profiles[i].Name] = profiles[i]

		e.logger.Info("calibration profile computed",
			"agent", profiles[i].Name,
			"avg_request_ms", profiles[i].AvgRequestDelay.Milliseconds(),
			"avg_done_ms", profiles[i].AvgDoneDelay.Milliseconds(),
			"wait_ms", profiles[i].Wait.Milliseconds(),
			"done_offset_ms", profiles[i].DoneOffset.Milliseconds())
	}
	e.complete = true

	return profiles, nil
}

// Profile returns the stored profile for an agent
func (e *Engine) Profile(name string) (Profile, bool) {
	p, ok := e.profiles[name]
	return p, ok
}

// Profiles returns all stored profiles sorted by ascending request delay
func (e *Engine) Profiles() []Profile {
	out := make([]Profile, 0, len(e.profiles))
	for _, p := range e.profiles {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgRequestDelay == out[j].AvgRequestDelay {
			return out[i].Name < out[j].Name
		}
		return out[i].AvgRequestDelay < out[j].AvgRequestDelay
	})
	return out
}

// Restore installs previously computed profiles, e.g. loaded from storage
func (e *Engine) Restore(profiles []Profile) {
	e.profiles = make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		e.profiles[p.Name] = p
	}
	e.complete = len(profiles) > 0
}

// Covers reports whether a profile exists for every name
func (e *Engine) Covers(names []string) bool {
	if !e.complete {
		return false
	}
	for _, n := range names {
		if _, ok := e.profiles[n]; !ok {
			return false
		}
	}
	return true
}

// Complete reports whether a calibration phase finished and no profile has
// been invalidated since
func (e *Engine) Complete() bool {
	return e.complete
}

// Invalidate drops the profile of one agent
func (e *Engine) Invalidate(name string) {
	if _, ok := e.profiles[name]; !ok {
		return
	}
	delete(e.profiles, name)
	e.complete = false
	e.logger.Info("calibration profile invalidated", "agent", name)
}

// AgentUnregistered implements registry.Observer
func (e *Engine) AgentUnregistered(name string) {
	e.Invalidate(name)
}

// Reset discards every profile
func (e *Engine) Reset() {
	e.profiles = make(map[string]Profile)
	e.complete = false
}

// Spread is the difference in average request delay between the slowest and
// the fastest agent before compensation
func (e *Engine) Spread() time.Duration {
	ps := e.Profiles()
	if len(ps) < 2 {
		return 0
	}
	return ps[len(ps)-1].AvgRequestDelay - ps[0].AvgRequestDelay
}

// EstimateArrival converts a self-reported done offset into an estimated
// request offset
func EstimateArrival(done time.Duration, p Profile) time.Duration {
	if done == registry.Missing {
		return registry.Missing
	}
	return done - p.DoneOffset
}

// MaxDelay returns the spread between the earliest and the latest request
// offsets of a round. Missing samples are ignored.
func MaxDelay(offsets []time.Duration) time.Duration {
	var lo, hi time.Duration
	seen := false
	for _, o := range offsets {
		if o == registry.Missing {
			continue
		}
		if !seen {
			lo, hi = o, o
			seen = true
			continue
		}
		if o < lo {
			lo = o
		}
		if o > hi {
			hi = o
		}
	}
	return hi - lo
}

// EstimateCrawlTime projects the duration of a crawl over items work items
// from the duration of one calibration phase
func EstimateCrawlTime(items, calibrationRounds, reCalibration int, took time.Duration) time.Duration {
	if calibrationRounds <= 0 {
		return 0
	}
	est := float64(items) / float64(calibrationRounds) * float64(took)
	if reCalibration > 0 {
		est += float64(items) / float64(reCalibration) * float64(took)
	}
	return time.Duration(est)
}

// mean averages the non-missing samples, rounded to the millisecond
func mean(values []time.Duration) (time.Duration, int) {
	var sum time.Duration
	n := 0
	for _, v := range values {
		if v == registry.Missing {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0
	}
	ms := float64(sum) / float64(n) / float64(time.Millisecond)
	return time.Duration(math.Floor(ms+0.5)) * time.Millisecond, n
}
