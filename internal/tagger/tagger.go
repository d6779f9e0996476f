// Package tagger decides whether an outgoing RPC call should be tracked and,
// if so, injects a correlation code into it, registers the pending request,
// and announces it on the relay.
package tagger

import (
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/clock"
	"github.com/JakeFAU/web-progress/internal/progress"
	"github.com/JakeFAU/web-progress/internal/registry"
	"github.com/JakeFAU/web-progress/internal/relay"
	"github.com/JakeFAU/web-progress/internal/serial"
)

// Defaults matching the server's generic dataset dispatcher.
const (
	DefaultRoutePrefix   = "/web/dataset/"
	DefaultFunction      = "call"
	DefaultProgressModel = "web.progress"
)

// Call is an outgoing RPC call as seen by the transport.
type Call struct {
	Route    string         `json:"route"`
	Function string         `json:"function"`
	Params   map[string]any `json:"params"`
}

// CodeGenerator produces correlation codes.
type CodeGenerator interface {
	NewCode() string
}

// Config selects which calls are eligible for tracking.
type Config struct {
	RoutePrefix   string
	Function      string
	ProgressModel string
}

func (c Config) withDefaults() Config {
	if c.RoutePrefix == "" {
		c.RoutePrefix = DefaultRoutePrefix
	}
	if c.Function == "" {
		c.Function = DefaultFunction
	}
	if c.ProgressModel == "" {
		c.ProgressModel = DefaultProgressModel
	}
	return c
}

// Tagger injects correlation codes into eligible calls.
type Tagger struct {
	cfg    Config
	gen    CodeGenerator
	reg    *registry.Registry
	pub    relay.Publisher
	exec   *serial.Executor
	clock  clock.Clock
	logger *zap.Logger
}

// New wires a Tagger. Registration and the request-started event run on exec.
func New(
	cfg Config,
	gen CodeGenerator,
	reg *registry.Registry,
	pub relay.Publisher,
	exec *serial.Executor,
	clk clock.Clock,
	logger *zap.Logger,
) *Tagger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = serial.New()
	}
	return &Tagger{
		cfg:    cfg.withDefaults(),
		gen:    gen,
		reg:    reg,
		pub:    pub,
		exec:   exec,
		clock:  clk,
		logger: logger,
	}
}

// Eligible reports whether call targets the generic dataset dispatcher for a
// model other than the progress service's own.
func (t *Tagger) Eligible(call Call) bool {
	if !strings.HasPrefix(call.Route, t.cfg.RoutePrefix) || call.Function != t.cfg.Function {
		return false
	}
	model, _ := call.Params["model"].(string)
	return model != t.cfg.ProgressModel
}

// Tag returns call with a correlation code injected into a copy of its
// parameters, together with that code. Ineligible or untaggable calls are
// returned unchanged with an empty code. Tag returns once the code is
// registered, so a result for it can never arrive first.
func (t *Tagger) Tag(call Call) (Call, progress.Code) {
	if !t.Eligible(call) {
		return call, ""
	}
	shape := Classify(call.Params)
	if shape == Untaggable {
		t.logger.Debug("call has no context or options argument; not tracking",
			zap.String("route", call.Route))
		return call, ""
	}

	code := t.gen.NewCode()
	tagged := call
	tagged.Params = progress.CloneParams(call.Params)
	inject(tagged.Params, shape, code)

	req := registry.PendingRequest{
		Route:    tagged.Route,
		Function: tagged.Function,
		Params:   tagged.Params,
		Eligible: true,
	}
	if t.clock != nil {
		req.RegisteredAt = t.clock.Now()
	}
	t.exec.Do(func() {
		t.reg.Register(code, req)
		t.pub.Publish(progress.Event{
			Kind:     progress.KindRequestStarted,
			Code:     code,
			Route:    tagged.Route,
			Function: tagged.Function,
			Params:   tagged.Params,
		})
	})
	return tagged, code
}

func inject(params map[string]any, shape Shape, code progress.Code) {
	switch shape {
	case ContextShaped:
		ctx, _ := contextOf(params)
		ctx[CodeKey] = code
	case PositionalShaped:
		last, _ := lastArgOf(params)
		last[CodeKey] = code
	}
}
