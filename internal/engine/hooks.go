package engine

import "github.com/roach88/feedbackd/internal/hook"

// SinkFilter is the FilterSinks payload. Callbacks may drop entries from
// Sinks; adding sinks that are not registered is not supported.
type SinkFilter struct {
	Request *Request
	Sinks   []*SinkHandle
}

// Remove drops the sink with the given name from the candidate list.
func (f *SinkFilter) Remove(name string) {
	out := f.Sinks[:0:0]
	for _, h := range f.Sinks {
		if h.Name != name {
			out = append(out, h)
		}
	}
	f.Sinks = out
}

// Hooks are the engine's extension points.
//
//   - NewRequest fires once per request before resolution.
//   - TransformProperties fires after the event was resolved and merged,
//     before sink selection.
//   - FilterSinks fires after capability checks and may drop candidates.
//   - InitDone fires once after every sink and input initialized.
//
// Hooks are fired on the engine loop; connect callbacks before Run.
type Hooks struct {
	NewRequest          hook.Hook[*Request]
	TransformProperties hook.Hook[*Request]
	FilterSinks         hook.Hook[*SinkFilter]
	InitDone            hook.Hook[*Engine]
}
