package blend

import (
	"log/slog"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/runtime/assets"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// Controller owns the live per-slot weight vector of the attached avatar
// and drives timed emotion transitions. It runs on the animation tick
// thread; no locking.
type Controller struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics

	duration time.Duration
	resource *assets.Resource

	// presetVectors are full-length target vectors resolved once per
	// attached resource, so SetEmotion never does string lookups.
	presetVectors map[string][]float64

	weights []float64
	current string

	// In-flight transition; nil when idle.
	from    []float64
	to      []float64
	elapsed time.Duration
	active  bool
}

// NewController builds an idle controller. Attach must be called with a
// loaded resource before transitions have any effect.
func NewController(duration time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Controller {
	if duration <= 0 {
		duration = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics("avatar")
	}
	return &Controller{
		logger:   logger,
		metrics:  metrics,
		duration: duration,
		current:  "neutral",
	}
}

// Attach binds the controller to a loaded avatar resource, resolving every
// preset's target names to weight slots up front. Unknown target names in a
// preset are skipped with a warning; they indicate an avatar without that
// morph.
func (c *Controller) Attach(resource *assets.Resource) error {
	if resource == nil {
		return core.NewAssetError("cannot attach a nil resource")
	}
	vectors := make(map[string][]float64, len(Presets))
	for name, preset := range Presets {
		vector := make([]float64, resource.Slots())
		for target, weight := range preset.Targets {
			idx, err := resource.TargetIndex(target)
			if err != nil {
				c.logger.Warn("preset target missing on avatar", "preset", name, "target", target)
				continue
			}
			vector[idx] = clamp01(weight)
		}
		vectors[name] = vector
	}

	c.resource = resource
	c.presetVectors = vectors
	c.weights = make([]float64, resource.Slots())
	c.current = "neutral"
	c.active = false
	return nil
}

// Attached reports whether an avatar resource is bound.
func (c *Controller) Attached() bool { return c.resource != nil }

// SetEmotion begins a timed smooth-step transition to the named preset.
// A concurrent call cancels the in-flight transition and restarts from the
// current live weights, so there is never a discontinuous jump. Unknown
// names are rejected with a warning and no state change.
func (c *Controller) SetEmotion(name string) bool {
	target, ok := c.presetVectors[name]
	if !ok {
		if _, known := Presets[name]; !known {
			c.logger.Warn("unknown emotion preset", "name", name)
			return false
		}
		// Known preset but nothing attached yet.
		c.logger.Warn("emotion ignored, no avatar attached", "name", name)
		return false
	}

	c.from = append([]float64(nil), c.weights...)
	c.to = append([]float64(nil), target...)
	c.elapsed = 0
	c.active = true
	c.current = name
	c.metrics.EmotionChangesTotal.WithLabelValues(name).Inc()
	return true
}

// Current returns the name of the active (or latest requested) preset.
func (c *Controller) Current() string { return c.current }

// Tick advances the in-flight transition by dt. Returns true while a
// transition is still running.
func (c *Controller) Tick(dt time.Duration) bool {
	if !c.active {
		return false
	}
	c.elapsed += dt
	t := float64(c.elapsed) / float64(c.duration)
	if t >= 1 {
		copy(c.weights, c.to)
		c.active = false
		return false
	}
	s := smoothStep(t)
	for i := range c.weights {
		c.weights[i] = c.from[i] + (c.to[i]-c.from[i])*s
	}
	return true
}

// ApplyWeights is the primitive the lip-sync engine layers viseme weights
// through: it writes the given slots directly, clamped to [0,1].
func (c *Controller) ApplyWeights(slots []int, values []float64) {
	for i, slot := range slots {
		if slot < 0 || slot >= len(c.weights) || i >= len(values) {
			continue
		}
		c.weights[slot] = clamp01(values[i])
	}
}

// Weights exposes the live weight vector for the renderer. The slice is
// owned by the controller; callers must not retain it across ticks.
func (c *Controller) Weights() []float64 { return c.weights }

// smoothStep is the eased interpolation curve 3t² − 2t³ on [0,1].
func smoothStep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
