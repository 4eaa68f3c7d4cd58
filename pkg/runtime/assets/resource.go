// Package assets loads and caches avatar resources with a bounded LRU.
package assets

import (
	"fmt"
)

// DefaultBlendTargets is the canonical set of morph targets the renderer
// exposes. Preset and viseme names are resolved to these slots once, at
// load time, so the animation path never does string lookups per frame.
var DefaultBlendTargets = []string{
	"browInnerUp",
	"browDown",
	"eyeBlink",
	"eyeWide",
	"jawOpen",
	"mouthClose",
	"mouthFunnel",
	"mouthPucker",
	"mouthSmile",
	"mouthFrown",
	"mouthPress",
	"cheekPuff",
}

// Resource is the in-memory handle for a loaded avatar blob.
type Resource struct {
	Data    []byte
	targets map[string]int
	slots   int
}

// NewResource wraps a fetched blob with the standard blend-target index.
func NewResource(data []byte) *Resource {
	targets := make(map[string]int, len(DefaultBlendTargets))
	for i, name := range DefaultBlendTargets {
		targets[name] = i
	}
	return &Resource{Data: data, targets: targets, slots: len(DefaultBlendTargets)}
}

// Slots returns the size of the weight vector for this resource.
func (r *Resource) Slots() int {
	if r == nil {
		return 0
	}
	return r.slots
}

// TargetIndex resolves a blend-target name to its weight slot.
func (r *Resource) TargetIndex(name string) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("resource is not loaded")
	}
	idx, ok := r.targets[name]
	if !ok {
		return 0, fmt.Errorf("unknown blend target %q", name)
	}
	return idx, nil
}

// Release drops the underlying blob so the renderer can free it.
func (r *Resource) Release() {
	if r == nil {
		return
	}
	r.Data = nil
}
