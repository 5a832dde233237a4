// Package collector turns page input and runtime signals into telemetry records for one session.
//
// Nothing here surfaces errors to the page: a session that cannot start stays inert, events that
// fail the capture policy are dropped silently, and delivery problems are logged.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"simlab-telemetry/internal/page"
	"simlab-telemetry/internal/telemetry"
	"simlab-telemetry/internal/telemetry/delivery"
	"simlab-telemetry/internal/telemetry/domain"
	"simlab-telemetry/internal/telemetry/focus"
	"simlab-telemetry/internal/telemetry/metrics"
)

// Rejection reasons recorded on the telemetry.events.rejected counter.
const (
	reasonInactive   = "inactive"
	reasonTextInput  = "text_input"
	reasonPaused     = "paused"
	reasonNoConsent  = "no_consent"
	reasonPolicy     = "policy"
	reasonUnfocused  = "unfocused"
	reasonCap        = "cap"
	reasonSampledOut = "sampled_out"
	reasonInvalid    = "invalid"
	reasonReserved   = "reserved"
)

// Config is what the host page supplies when a session starts.
type Config struct {
	Session        domain.SessionDescriptor
	ConsentGranted bool
	Policy         domain.OrgPolicy
}

// Options configures a Collector.
type Options struct {
	// Source delivers page events. Nil means input arrives only through LogEvent.
	Source page.Source
	// MaxBufferSize caps the delivery buffer; zero means delivery.DefaultMaxBufferSize.
	MaxBufferSize int
	// ExitFlushTimeout bounds uploads started while the page goes away.
	ExitFlushTimeout time.Duration
	// FrameTransport is set when the runtime is embedded as a frame and must report focus itself.
	FrameTransport bool
	Logger         *slog.Logger
	Meter          metric.Meter
	// Now and Sample are replaced in tests.
	Now    func() time.Time
	Sample func(rate float64) bool
}

type state int

const (
	stateIdle state = iota
	stateInert
	stateActive
	stateEnded
)

// Stats is the read-only view of a session exposed to the host page.
type Stats struct {
	SessionID      string `json:"sessionId"`
	TotalEvents    int    `json:"totalEvents"`
	BufferedEvents int    `json:"bufferedEvents"`
	IsEnabled      bool   `json:"isEnabled"`
	UnityFocused   bool   `json:"unityFocused"`

	MarkerEvents    int `json:"markerEvents"`
	DeliveredEvents int `json:"deliveredEvents"`
	DroppedEvents   int `json:"droppedEvents"`
	FailedUploads   int `json:"failedUploads"`
}

// Collector records one telemetry session at a time. Thread-safe.
type Collector struct {
	sink    telemetry.BatchSink
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Instruments
	now     func() time.Time
	sample  func(rate float64) bool

	mu       sync.Mutex
	state    state
	session  domain.SessionDescriptor
	policy   domain.OrgPolicy
	consent  Consent
	enabled  bool
	total    int
	markers  int
	started  time.Time
	active   page.Element
	focus    *focus.Tracker
	delivery *delivery.Manager
	scope    *page.Scope
}

// New returns an idle collector that uploads to sink.
func New(sink telemetry.BatchSink, opts Options) (*Collector, error) {
	if sink == nil {
		return nil, errors.New("collector: sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in, err := metrics.New(opts.Meter)
	if err != nil {
		logger.Warn("collector: metrics disabled", "error", err)
		in = nil
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sample := opts.Sample
	if sample == nil {
		sample = bernoulli
	}
	return &Collector{
		sink:    sink,
		opts:    opts,
		logger:  logger,
		metrics: in,
		now:     now,
		sample:  sample,
		focus:   focus.NewTracker(opts.FrameTransport),
	}, nil
}

func bernoulli(rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

// Initialize starts a session. It never fails loudly: an invalid descriptor or policy, disabled
// telemetry, or missing consent leaves the collector inert for this session and is only logged.
// A collector with an active session ignores further calls until EndSession.
func (c *Collector) Initialize(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateActive {
		c.logger.Warn("collector: session already active", "session_id", c.session.SessionID)
		return
	}
	c.session = cfg.Session
	c.policy = cfg.Policy
	c.consent = CaptureConsent(cfg.ConsentGranted)
	c.enabled = false
	c.total = 0
	c.markers = 0
	c.started = c.now()
	c.active = page.Element{}
	c.focus = focus.NewTracker(c.opts.FrameTransport)
	c.delivery = nil

	if err := cfg.Session.Validate(); err != nil {
		c.goInert("invalid session descriptor", err)
		return
	}
	if err := cfg.Policy.Validate(); err != nil {
		c.goInert("invalid organization policy", err)
		return
	}
	if !cfg.Policy.TelemetryEnabled {
		c.goInert("disabled by organization policy", nil)
		return
	}
	if !c.consent.Granted() {
		c.goInert("consent not granted", nil)
		return
	}

	c.delivery = delivery.New(c.sink, delivery.Options{
		SessionID:     cfg.Session.SessionID,
		MaxBufferSize: c.opts.MaxBufferSize,
		Interval:      cfg.Policy.BatchInterval(),
		ExitTimeout:   c.opts.ExitFlushTimeout,
		Logger:        c.logger,
		Metrics:       c.metrics,
	})
	c.delivery.Start()
	c.state = stateActive
	c.enabled = true
	c.scope = &page.Scope{}
	if c.opts.Source != nil {
		c.bindLocked(c.opts.Source)
	}
	c.markerLocked(domain.SessionStart{ModuleID: cfg.Session.ModuleID})
	c.logger.Info("collector: session started", "session_id", cfg.Session.SessionID, "module_id", cfg.Session.ModuleID)
}

func (c *Collector) goInert(reason string, err error) {
	c.state = stateInert
	if err != nil {
		c.logger.Info("collector: telemetry inert", "reason", reason, "error", err)
		return
	}
	c.logger.Info("collector: telemetry inert", "reason", reason)
}

// LogEvent records an input or game event if the capture policy admits it, and reports whether
// it did. Lifecycle markers are reserved for the collector itself and are always refused here.
func (c *Collector) LogEvent(p domain.Payload) bool {
	if p == nil {
		return false
	}
	if p.EventType().IsMarker() {
		c.reject(reasonReserved)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitLocked(p, page.Element{})
}

// admitLocked applies the capture policy to p. target is the element the input was aimed at, if
// known. Called with c.mu held.
func (c *Collector) admitLocked(p domain.Payload, target page.Element) bool {
	t := p.EventType()
	switch {
	case c.state != stateActive:
		return c.reject(reasonInactive)
	case c.active.IsTextEntry() || target.IsTextEntry():
		return c.reject(reasonTextInput)
	case !c.enabled:
		return c.reject(reasonPaused)
	case !c.consent.Granted():
		return c.reject(reasonNoConsent)
	case !c.capturesLocked(t):
		return c.reject(reasonPolicy)
	case t.IsInputClass() && !c.focus.Focused():
		return c.reject(reasonUnfocused)
	case c.total >= c.policy.MaxEventsPerSession:
		return c.reject(reasonCap)
	case !c.sample(c.policy.SamplingRate):
		return c.reject(reasonSampledOut)
	}

	rec, err := domain.NewRecord(c.session, p, c.now())
	if err != nil {
		c.logger.Debug("collector: dropping invalid event", "event_type", string(t), "error", err)
		return c.reject(reasonInvalid)
	}
	if err := c.delivery.Add(rec); err != nil {
		return c.reject(reasonInactive)
	}
	c.total++
	c.metrics.Admitted(context.Background(), string(t))
	return true
}

func (c *Collector) capturesLocked(t domain.EventType) bool {
	switch t {
	case domain.EventKeyDown, domain.EventKeyUp:
		return c.policy.CaptureKeyboard
	case domain.EventClick:
		return c.policy.CaptureMouse
	}
	return true
}

func (c *Collector) reject(reason string) bool {
	c.metrics.Rejected(context.Background(), reason)
	return false
}

// markerLocked records a lifecycle marker. Markers skip sampling and focus and are not counted in
// TotalEvents, but nothing is recorded while paused. Apart from session_start and session_end, a
// marker is refused once events plus markers reach the per-session cap. Called with c.mu held.
func (c *Collector) markerLocked(p domain.Payload) {
	if c.state != stateActive || !c.enabled {
		return
	}
	switch p.EventType() {
	case domain.EventSessionStart, domain.EventSessionEnd:
	default:
		if c.total+c.markers >= c.policy.MaxEventsPerSession {
			c.reject(reasonCap)
			return
		}
	}
	rec, err := domain.NewRecord(c.session, p, c.now())
	if err != nil {
		c.logger.Warn("collector: invalid marker", "event_type", string(p.EventType()), "error", err)
		return
	}
	if err := c.delivery.Add(rec); err != nil {
		return
	}
	c.markers++
	c.metrics.Admitted(context.Background(), string(p.EventType()))
}

// SetUnityFocus records focus reported by the runtime and logs a unity_focus or unity_blur marker.
func (c *Collector) SetUnityFocus(focused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focus.SetRuntimeFocus(focused)
	if focused {
		c.markerLocked(domain.UnityFocus{})
	} else {
		c.markerLocked(domain.UnityBlur{})
	}
}

// Pause stops capture until Resume. The telemetry_paused marker is the last record before the
// pause. Buffered records are not flushed early.
func (c *Collector) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive || !c.enabled {
		return
	}
	c.markerLocked(domain.TelemetryPaused{})
	c.enabled = false
	c.logger.Debug("collector: paused", "session_id", c.session.SessionID)
}

// Resume restarts capture after Pause, provided consent was granted at session start.
func (c *Collector) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive || c.enabled || !c.consent.Granted() {
		return
	}
	c.enabled = true
	c.markerLocked(domain.TelemetryResumed{})
	c.logger.Debug("collector: resumed", "session_id", c.session.SessionID)
}

// EndSession appends a session_end marker, removes every listener and uploads what is buffered.
// It returns once that upload has settled; the error is the upload's. Calling it on a session
// that is not active does nothing.
func (c *Collector) EndSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return nil
	}
	c.markerLocked(domain.SessionEnd{
		TotalEvents: c.total,
		DurationMs:  c.now().Sub(c.started).Milliseconds(),
	})
	c.state = stateEnded
	c.enabled = false
	scope := c.scope
	mgr := c.delivery
	sessionID := c.session.SessionID
	c.mu.Unlock()

	scope.Close()
	err := mgr.ForceFlush(ctx)
	mgr.Close()
	if err != nil {
		c.logger.Warn("collector: final upload failed", "session_id", sessionID, "buffered", mgr.Buffered(), "error", err)
	}
	c.logger.Info("collector: session ended", "session_id", sessionID)
	return err
}

// FlushOnExit starts a best-effort upload for a page that is being hidden or unloaded.
func (c *Collector) FlushOnExit() {
	c.mu.Lock()
	mgr := c.delivery
	active := c.state == stateActive
	c.mu.Unlock()
	if active && mgr != nil {
		mgr.FlushOnExit()
	}
}

// Stats returns the session counters. It has no side effects.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		SessionID:    c.session.SessionID,
		TotalEvents:  c.total,
		IsEnabled:    c.state == stateActive && c.enabled,
		UnityFocused: c.focus.Focused(),
		MarkerEvents: c.markers,
	}
	if c.delivery != nil {
		ds := c.delivery.Stats()
		s.BufferedEvents = ds.Buffered + ds.Queued
		s.DeliveredEvents = ds.Delivered
		s.DroppedEvents = ds.Dropped
		s.FailedUploads = ds.Failures
	}
	return s
}

// SessionID returns the id of the current or last session.
func (c *Collector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.SessionID
}

// Active reports whether a session is recording or paused.
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive
}
