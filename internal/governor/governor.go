// Package governor tracks aggregate outbound API traffic and raises the
// emergency signal the queue uses to shed non-immediate work.
package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
)

type Options struct {
	RequestsPerSecond float64
	Burst             int
	// OverflowThreshold is how many over-budget calls inside one Window
	// open the emergency cooldown.
	OverflowThreshold int
	Window            time.Duration
	Cooldown          time.Duration
}

func OptionsFromConfig(cfg model.GovernorConfig) Options {
	return Options{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		OverflowThreshold: cfg.OverflowThreshold,
		Window:            time.Duration(cfg.WindowSec) * time.Second,
		Cooldown:          time.Duration(cfg.CooldownSec) * time.Second,
	}
}

func (o *Options) applyDefaults() {
	def := model.DefaultConfig().Governor
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = def.RequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = def.Burst
	}
	if o.OverflowThreshold <= 0 {
		o.OverflowThreshold = def.OverflowThreshold
	}
	if o.Window <= 0 {
		o.Window = time.Duration(def.WindowSec) * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = time.Duration(def.CooldownSec) * time.Second
	}
}

// Snapshot is a point-in-time view for stats and the metrics file.
type Snapshot struct {
	Emergency            bool   `json:"emergency" yaml:"emergency"`
	EmergencyRemainingMs int64  `json:"emergency_remaining_ms" yaml:"emergency_remaining_ms"`
	WindowOverflows      int    `json:"window_overflows" yaml:"window_overflows"`
	TotalRequests        uint64 `json:"total_requests" yaml:"total_requests"`
	TotalOverflows       uint64 `json:"total_overflows" yaml:"total_overflows"`
	RateLimited          uint64 `json:"rate_limited" yaml:"rate_limited"`
	Emergencies          uint64 `json:"emergencies" yaml:"emergencies"`
}

// Governor is safe for concurrent use. It satisfies queue.EmergencySignal.
type Governor struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	opts    Options
	logger  *logging.Logger
	now     func() time.Time

	windowStart    time.Time
	overflows      int
	emergencyUntil time.Time
	inEmergency    bool

	totalRequests  uint64
	totalOverflows uint64
	rateLimited    uint64
	emergencies    uint64
}

func New(opts Options, logger *logging.Logger) *Governor {
	opts.applyDefaults()
	return &Governor{
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:    opts,
		logger:  logger.With("governor"),
		now:     time.Now,
	}
}

// Record accounts for one outbound call and reports whether it fit the
// budget. Calls over budget count toward the overflow threshold.
func (g *Governor) Record() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.totalRequests++
	if g.limiter.AllowN(now, 1) {
		return true
	}

	g.totalOverflows++
	g.rollWindowLocked(now)
	g.overflows++
	if g.overflows > g.opts.OverflowThreshold {
		g.enterLocked(now, g.opts.Cooldown, "overflow")
	}
	return false
}

// ReportRateLimited records an HTTP 429 from the upstream API. A global
// limit opens the cooldown for at least retryAfter; a route limit counts as
// an overflow.
func (g *Governor) ReportRateLimited(retryAfter time.Duration, global bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rateLimited++
	if global {
		g.enterLocked(now, max(retryAfter, g.opts.Cooldown), "global_rate_limit")
		return
	}
	g.rollWindowLocked(now)
	g.overflows++
	if g.overflows > g.opts.OverflowThreshold {
		g.enterLocked(now, max(retryAfter, g.opts.Cooldown), "route_rate_limit")
	}
}

func (g *Governor) IsInEmergencyMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergencyLocked(g.now())
}

func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollWindowLocked(now)
	s := Snapshot{
		Emergency:       g.emergencyLocked(now),
		WindowOverflows: g.overflows,
		TotalRequests:   g.totalRequests,
		TotalOverflows:  g.totalOverflows,
		RateLimited:     g.rateLimited,
		Emergencies:     g.emergencies,
	}
	if s.Emergency {
		s.EmergencyRemainingMs = g.emergencyUntil.Sub(now).Milliseconds()
	}
	return s
}

func (g *Governor) rollWindowLocked(now time.Time) {
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= g.opts.Window {
		g.windowStart = now
		g.overflows = 0
	}
}

func (g *Governor) enterLocked(now time.Time, d time.Duration, cause string) {
	until := now.Add(d)
	if until.After(g.emergencyUntil) {
		g.emergencyUntil = until
	}
	if !g.inEmergency {
		g.inEmergency = true
		g.emergencies++
		g.logger.Warnf("emergency_enter cause=%s until=%s", cause, g.emergencyUntil.Format(time.RFC3339))
	}
}

func (g *Governor) emergencyLocked(now time.Time) bool {
	if !g.inEmergency {
		return false
	}
	if now.Before(g.emergencyUntil) {
		return true
	}
	g.inEmergency = false
	g.overflows = 0
	g.windowStart = now
	g.logger.Infof("emergency_exit")
	return false
}
