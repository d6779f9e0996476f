package registry

import "github.com/JakeFAU/web-progress/internal/serial"

// Serialized resolves results on the executor that owns tagging, tracking and
// cancellation, so a result never overtakes a registration or a progress
// update already queued for the same code.
type Serialized struct {
	*Registry
	exec *serial.Executor
}

// NewSerialized wraps reg so result resolution runs on exec.
func NewSerialized(reg *Registry, exec *serial.Executor) *Serialized {
	if exec == nil {
		exec = serial.New()
	}
	return &Serialized{Registry: reg, exec: exec}
}

// ResolveEnvelope resolves env on the executor and waits for the outcome.
func (s *Serialized) ResolveEnvelope(env Envelope) bool {
	var resolved bool
	s.exec.Do(func() { resolved = s.Registry.ResolveEnvelope(env) })
	return resolved
}
