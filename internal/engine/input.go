package engine

import (
	"fmt"

	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/property"
)

// Input is a transport that turns external asks into requests and carries
// their outcome back. Each client-visible request receives exactly one
// SendReply or SendError; a fallback replay is invisible to the input.
type Input interface {
	Name() string
	Initialize(ctl Controller) error
	Shutdown()
	SendReply(req *Request, code int)
	SendError(req *Request, err error)
}

// Controller is the surface transports drive. Every method is safe from any
// goroutine. Play, Pause, Resume and Stop only enqueue work and report false
// once the engine has stopped accepting it.
type Controller interface {
	NewRequest(in Input, name string, props property.Map) *Request
	Play(req *Request) bool
	Pause(req *Request) bool
	Resume(req *Request) bool
	Stop(req *Request) bool
	Context() *globalctx.Context
}

// InputRegistry holds transports in registration order.
type InputRegistry struct {
	inputs []Input
	byName map[string]Input
}

// NewInputRegistry creates an empty registry.
func NewInputRegistry() *InputRegistry {
	return &InputRegistry{byName: make(map[string]Input)}
}

// Register adds in.
func (r *InputRegistry) Register(in Input) error {
	if in == nil {
		return ErrInputNil
	}
	name := in.Name()
	if err := validateName(name); err != nil {
		return err
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrInputExists, name)
	}
	r.inputs = append(r.inputs, in)
	r.byName[name] = in
	return nil
}

// Lookup returns the input registered under name.
func (r *InputRegistry) Lookup(name string) (Input, bool) {
	in, ok := r.byName[name]
	return in, ok
}

// All returns inputs in registration order.
func (r *InputRegistry) All() []Input {
	return append([]Input(nil), r.inputs...)
}
