package lipsync

import (
	"log/slog"
	"math"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/runtime/assets"
	"github.com/vango-go/avatar-lite/pkg/runtime/blend"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// DefaultSampleRate matches the backend's pcm_s16le audio stream.
const DefaultSampleRate = 24000

// Per-character timing for the text-driven fallback.
const (
	charDuration  = 70 * time.Millisecond
	pauseDuration = 140 * time.Millisecond
	textAmplitude = 0.6
)

// energyGain scales normalized band power so a loud voiced signal reaches
// a fully-open mouth at sensitivity 1.0.
const energyGain = 8.0

type mode int

const (
	modeIdle mode = iota
	modeAudio
	modeText
)

type textStep struct {
	viseme   Viseme
	duration time.Duration
}

// Options configures an Engine.
type Options struct {
	// Sensitivity is the gain applied to band energies; 1.0 is neutral.
	Sensitivity float64
	// SmoothTime is the exponential smoothing constant for audio-driven
	// weights; larger values damp jitter harder.
	SmoothTime time.Duration
	// Cooldown is how long lip-sync stays disabled after an audio decode
	// error before re-enabling itself.
	Cooldown time.Duration
	// SampleRate of incoming PCM; defaults to DefaultSampleRate.
	SampleRate int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Engine turns response audio (or fallback text) into viseme weights and
// writes them through the blend controller each animation tick. Like the
// controller it runs on the tick thread; no locking.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
	ctrl    *blend.Controller

	slots     [visemeCount]int
	haveSlots bool
	smoothed  [visemeCount]float64

	mode mode

	// Audio-driven playback position.
	samples []float64
	pos     int

	// Text-driven schedule.
	steps    []textStep
	stepIdx  int
	stepLeft time.Duration

	disabledUntil time.Time
}

// NewEngine builds an idle engine layered over the given controller.
func NewEngine(ctrl *blend.Controller, opts Options) *Engine {
	if opts.Sensitivity <= 0 {
		opts.Sensitivity = 1.0
	}
	if opts.SmoothTime <= 0 {
		opts.SmoothTime = 80 * time.Millisecond
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics("avatar")
	}
	return &Engine{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctrl:    ctrl,
	}
}

// Attach resolves the viseme alphabet against the avatar's blend targets.
// Visemes whose target is missing on this avatar are disabled with a
// warning.
func (e *Engine) Attach(resource *assets.Resource) error {
	if resource == nil {
		return core.NewAssetError("cannot attach a nil resource")
	}
	for v, name := range blendTargets {
		idx, err := resource.TargetIndex(name)
		if err != nil {
			e.logger.Warn("viseme target missing on avatar", "target", name)
			idx = -1
		}
		e.slots[v] = idx
	}
	e.haveSlots = true
	e.reset()
	return nil
}

// Active reports whether a sequence is currently driving the mouth.
func (e *Engine) Active() bool { return e.mode != modeIdle }

// Enabled reports whether audio-driven lip-sync is currently allowed; it is
// false during the cooldown that follows an audio decode error.
func (e *Engine) Enabled() bool { return !time.Now().Before(e.disabledUntil) }

// StartAudio begins an audio-driven sequence over a full pcm_s16le clip,
// cancelling any in-flight sequence first. A decode failure disables
// lip-sync for the configured cooldown and is returned so the caller can
// fall back to text.
func (e *Engine) StartAudio(pcm []byte) error {
	e.Stop()
	if !e.haveSlots {
		return core.NewAudioError("no avatar attached")
	}
	if !e.Enabled() {
		return core.NewAudioError("lip-sync is cooling down after an audio error")
	}
	samples, err := decodePCM(pcm)
	if err != nil {
		e.disabledUntil = time.Now().Add(e.opts.Cooldown)
		e.metrics.RecordError(string(core.ErrAudio))
		e.logger.Warn("audio decode failed, lip-sync disabled for cooldown",
			"cooldown", e.opts.Cooldown, "error", err)
		return err
	}
	e.samples = samples
	e.pos = 0
	e.mode = modeAudio
	return nil
}

// StartText begins the deterministic text-driven fallback sequence,
// cancelling any in-flight sequence first.
func (e *Engine) StartText(text string) error {
	e.Stop()
	if !e.haveSlots {
		return core.NewAudioError("no avatar attached")
	}
	steps := make([]textStep, 0, len(text))
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			steps = append(steps, textStep{VisemeRest, pauseDuration})
			continue
		}
		steps = append(steps, textStep{visemeForChar(r), charDuration})
	}
	if len(steps) == 0 {
		return nil
	}
	e.steps = steps
	e.stepIdx = 0
	e.stepLeft = steps[0].duration
	e.mode = modeText
	return nil
}

// Stop cancels the current sequence and zeroes every viseme weight.
// Safe to call when idle.
func (e *Engine) Stop() {
	if e.mode == modeIdle {
		return
	}
	e.reset()
}

// Tick advances the active sequence by dt and applies the resulting viseme
// weights. Returns true while a sequence is still running; the tick on
// which the sequence ends zeroes all weights before returning false.
func (e *Engine) Tick(dt time.Duration) bool {
	if e.mode == modeIdle {
		return false
	}
	start := time.Now()
	defer func() {
		e.metrics.VisemeTickDuration.Observe(time.Since(start).Seconds())
	}()

	switch e.mode {
	case modeAudio:
		return e.tickAudio(dt)
	case modeText:
		return e.tickText(dt)
	}
	return false
}

func (e *Engine) tickAudio(dt time.Duration) bool {
	n := int(float64(e.opts.SampleRate) * dt.Seconds())
	if n < 1 {
		n = 1
	}
	if e.pos >= len(e.samples) {
		e.reset()
		return false
	}
	end := e.pos + n
	if end > len(e.samples) {
		end = len(e.samples)
	}
	bands := analyzeWindow(e.samples[e.pos:end], e.opts.SampleRate)
	e.pos = end

	gain := e.opts.Sensitivity * energyGain
	var targets [visemeCount]float64
	targets[VisemeClosed] = clamp01(bands.low * gain)
	targets[VisemeOpen] = clamp01(bands.mid * gain)
	targets[VisemeFricative] = clamp01(bands.high * gain)

	// Exponential smoothing so band flicker does not read as jitter.
	alpha := 1 - math.Exp(-dt.Seconds()/e.opts.SmoothTime.Seconds())
	for v := range e.smoothed {
		e.smoothed[v] += (targets[v] - e.smoothed[v]) * alpha
	}
	e.apply(e.smoothed)
	return true
}

func (e *Engine) tickText(dt time.Duration) bool {
	e.stepLeft -= dt
	for e.stepLeft <= 0 {
		e.stepIdx++
		if e.stepIdx >= len(e.steps) {
			e.reset()
			return false
		}
		e.stepLeft += e.steps[e.stepIdx].duration
	}

	var targets [visemeCount]float64
	if v := e.steps[e.stepIdx].viseme; v != VisemeRest {
		targets[v] = textAmplitude
	}
	e.smoothed = targets
	e.apply(targets)
	return true
}

// reset zeroes every viseme weight and returns the engine to idle.
func (e *Engine) reset() {
	e.smoothed = [visemeCount]float64{}
	if e.haveSlots {
		e.apply(e.smoothed)
	}
	e.samples = nil
	e.steps = nil
	e.mode = modeIdle
}

func (e *Engine) apply(weights [visemeCount]float64) {
	slots := make([]int, 0, visemeCount)
	values := make([]float64, 0, visemeCount)
	for v, slot := range e.slots {
		if slot < 0 {
			continue
		}
		slots = append(slots, slot)
		values = append(values, weights[v])
	}
	e.ctrl.ApplyWeights(slots, values)
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
