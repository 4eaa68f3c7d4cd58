package lipsync

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/vango-go/avatar-lite/pkg/runtime/assets"
	"github.com/vango-go/avatar-lite/pkg/runtime/blend"
)

func testEngine(t *testing.T, opts Options) (*Engine, *blend.Controller, *assets.Resource) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctrl := blend.NewController(500*time.Millisecond, opts.Logger, nil)
	res := assets.NewResource([]byte("blob"))
	if err := ctrl.Attach(res); err != nil {
		t.Fatalf("controller Attach: %v", err)
	}
	e := NewEngine(ctrl, opts)
	if err := e.Attach(res); err != nil {
		t.Fatalf("engine Attach: %v", err)
	}
	return e, ctrl, res
}

func slotOf(t *testing.T, res *assets.Resource, name string) int {
	t.Helper()
	idx, err := res.TargetIndex(name)
	if err != nil {
		t.Fatalf("TargetIndex(%s): %v", name, err)
	}
	return idx
}

// sinePCM builds d seconds of full-scale pcm_s16le sine at freq.
func sinePCM(freq float64, rate int, d time.Duration) []byte {
	n := int(float64(rate) * d.Seconds())
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		s := math.Sin(2 * math.Pi * freq * float64(i) / float64(rate))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s*32000)))
	}
	return out
}

func TestStartAudio_MidBandDrivesOpenVowel(t *testing.T) {
	t.Parallel()

	e, ctrl, res := testEngine(t, Options{})
	jaw := slotOf(t, res, "jawOpen")
	press := slotOf(t, res, "mouthPress")
	funnel := slotOf(t, res, "mouthFunnel")

	if err := e.StartAudio(sinePCM(midBandHz, DefaultSampleRate, 300*time.Millisecond)); err != nil {
		t.Fatalf("StartAudio: %v", err)
	}
	for i := 0; i < 12; i++ {
		if !e.Tick(16 * time.Millisecond) {
			t.Fatalf("sequence ended early at tick %d", i)
		}
	}
	w := ctrl.Weights()
	if w[jaw] < 0.3 {
		t.Fatalf("jawOpen=%v, expected the mid band to open the mouth", w[jaw])
	}
	if w[press] > w[jaw]/2 || w[funnel] > w[jaw]/2 {
		t.Fatalf("off-band visemes dominate: press=%v funnel=%v jaw=%v", w[press], w[funnel], w[jaw])
	}
	for _, v := range w {
		if v < 0 || v > 1 {
			t.Fatalf("weight %v outside [0,1]", v)
		}
	}
}

func TestTick_ZeroesWeightsOnCompletion(t *testing.T) {
	t.Parallel()

	e, ctrl, res := testEngine(t, Options{})
	jaw := slotOf(t, res, "jawOpen")

	if err := e.StartAudio(sinePCM(midBandHz, DefaultSampleRate, 50*time.Millisecond)); err != nil {
		t.Fatalf("StartAudio: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !e.Tick(16 * time.Millisecond) {
			break
		}
	}
	if e.Active() {
		t.Fatalf("sequence never completed")
	}
	if got := ctrl.Weights()[jaw]; got != 0 {
		t.Fatalf("jawOpen=%v after completion, expected 0", got)
	}
}

func TestStart_InterruptionCancelsAndResets(t *testing.T) {
	t.Parallel()

	e, ctrl, res := testEngine(t, Options{})
	jaw := slotOf(t, res, "jawOpen")

	e.StartText("aaaa aaaa")
	e.Tick(16 * time.Millisecond)
	if ctrl.Weights()[jaw] == 0 {
		t.Fatalf("text sequence did not open the mouth")
	}

	// New sequence zeroes the old one before starting.
	if err := e.StartAudio(sinePCM(midBandHz, DefaultSampleRate, 100*time.Millisecond)); err != nil {
		t.Fatalf("StartAudio: %v", err)
	}
	// Interruption alone already reset the weights; the new sequence
	// rebuilds them from zero via smoothing.
	if got := ctrl.Weights()[jaw]; got != 0 {
		t.Fatalf("jawOpen=%v right after interruption, expected 0", got)
	}
	if !e.Active() {
		t.Fatalf("new sequence is not active")
	}
}

func TestStartText_DeterministicWalk(t *testing.T) {
	t.Parallel()

	e, ctrl, res := testEngine(t, Options{})
	jaw := slotOf(t, res, "jawOpen")
	press := slotOf(t, res, "mouthPress")

	if err := e.StartText("ma"); err != nil {
		t.Fatalf("StartText: %v", err)
	}

	// 'm' holds the bilabial closure first.
	if !e.Tick(20 * time.Millisecond) {
		t.Fatalf("sequence ended on first tick")
	}
	if w := ctrl.Weights(); w[press] != textAmplitude || w[jaw] != 0 {
		t.Fatalf("first char: press=%v jaw=%v", w[press], w[jaw])
	}

	// Walk to the vowel.
	sawVowel := false
	for i := 0; i < 20 && e.Active(); i++ {
		e.Tick(20 * time.Millisecond)
		w := ctrl.Weights()
		if w[jaw] == textAmplitude && w[press] == 0 {
			sawVowel = true
		}
	}
	if !sawVowel {
		t.Fatalf("never reached the open-vowel viseme")
	}
	if e.Active() {
		t.Fatalf("sequence still active after walking the whole text")
	}
	if w := ctrl.Weights(); w[jaw] != 0 || w[press] != 0 {
		t.Fatalf("weights not zeroed after completion: jaw=%v press=%v", w[jaw], w[press])
	}
}

func TestStartAudio_DecodeErrorDisablesUntilCooldown(t *testing.T) {
	t.Parallel()

	e, _, _ := testEngine(t, Options{Cooldown: 40 * time.Millisecond})

	if err := e.StartAudio([]byte{0x01}); err == nil {
		t.Fatalf("odd-length pcm accepted")
	}
	if e.Enabled() {
		t.Fatalf("engine still enabled right after a decode error")
	}
	if err := e.StartAudio(sinePCM(midBandHz, DefaultSampleRate, 50*time.Millisecond)); err == nil {
		t.Fatalf("StartAudio succeeded during cooldown")
	}

	time.Sleep(60 * time.Millisecond)
	if !e.Enabled() {
		t.Fatalf("engine did not re-enable after the cooldown")
	}
	if err := e.StartAudio(sinePCM(midBandHz, DefaultSampleRate, 50*time.Millisecond)); err != nil {
		t.Fatalf("StartAudio after cooldown: %v", err)
	}
}

func TestVisemeForChar_Table(t *testing.T) {
	t.Parallel()

	cases := []struct {
		r    rune
		want Viseme
	}{
		{'m', VisemeClosed},
		{'B', VisemeClosed},
		{'a', VisemeOpen},
		{'o', VisemePucker},
		{'s', VisemeFricative},
		{'7', VisemeRest},
		{'!', VisemeRest},
	}
	for _, tc := range cases {
		if got := visemeForChar(tc.r); got != tc.want {
			t.Errorf("visemeForChar(%q)=%v, want %v", tc.r, got, tc.want)
		}
	}
}
