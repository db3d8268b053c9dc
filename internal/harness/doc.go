// Package harness runs feedback scenarios against the real engine with
// scripted sinks and compares the resulting trace against golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: prepare_failure_fallback
//	description: "One sink fails prepare; the request is replayed once"
//	sinks:
//	  - name: audio
//	    prepare: async        # async | immediate | fail | none
//	  - name: tone
//	    fail_when: { tone: custom.wav }
//	context: { profile: general }
//	events:
//	  - name: ringtone
//	    properties: { volume: 50 }
//	steps:
//	  - play: r1
//	    event: ringtone
//	    properties: { tone: custom.wav, tone.fallback: default.wav }
//	  - sink: audio
//	    call: synchronize     # synchronize | complete | fail | set_resync | resynchronize
//	    request: r1
//	  - control: stop         # pause | resume | stop
//	    request: r1
//	assertions:
//	  - type: outcome
//	    request: r1
//	    result: reply
//	  - type: trace_count
//	    line: "r1 fallback"
//	    count: 1
//
// Instead of inline events a scenario may name a CUE configuration with
// config:, resolved relative to the scenario file; its events, context and
// sink order are used.
//
// # Trace Format
//
// The trace is one line per observation, in the order the engine produced
// them:
//
//	> audio synchronize r1        a scenario step
//	r1 selected audio,vibra       a journal entry (label, kind, code, sinks)
//	audio play r1 [fallback]      a call into a scripted sink
//	r1 reply                      the terminal outcome seen by the input
//
// # Determinism
//
// Every step is followed by Engine.Drain, so all work runs on the calling
// goroutine. Tokens come from a sequence generator and the journal clock
// starts at zero, which makes the trace byte-identical across runs.
package harness
