package plugin

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/ferrors"
	"github.com/ferrumgw/ferrum-gateway/internal/logging"
)

// Dispatcher runs the pre-proxy and post-proxy plugin pipelines for one
// request against a Registry snapshot (§4.F steps 4, 5, 10, 11). The proxy
// package's request handler owns steps 1-3 and 6-9 (parsing, routing,
// path synthesis, header policy, backend invocation) and calls into a
// Dispatcher for the plugin-owned steps in between.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher wraps a compiled Registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Outcome is returned by PreProxy: either the pipeline cleared every
// phase and the request should proceed to the backend, or a hook (or a
// recovered panic) produced a final response.
type Outcome struct {
	ShortCircuited bool
	StatusCode     int
	Body           []byte
	Plugins        []Resolved // final ordered list, reused by PostProxy/Log
}

// PreProxy runs on_request_received, authenticate, authorize and
// before_proxy in order (§4.F step 5), honoring Single vs Multi auth mode
// (§4.F Authentication modes) and the identity gate in Multi mode. It
// recovers a panicking hook and degrades the request to 500 rather than
// letting it crash the handler goroutine (§4.F Failure semantics).
func (d *Dispatcher) PreProxy(ctx *RequestContext) Outcome {
	plugins := d.registry.PreAuth(ctx.Proxy)

	if out, stop := d.runGuarded(plugins, "on_request_received", func(p Plugin) (bool, error) {
		hook, ok := p.(RequestReceivedHook)
		if !ok {
			return true, nil
		}
		return hook.OnRequestReceived(ctx)
	}, ctx); stop {
		return out
	}

	if out, stop := d.authenticate(ctx, plugins); stop {
		return out
	}

	// Re-resolve including consumer-scoped plugins now that
	// identification (if any) is settled; authorize onward sees them.
	plugins = d.registry.WithConsumer(plugins, consumerID(ctx.Consumer))

	if out, stop := d.runGuarded(plugins, "authorize", func(p Plugin) (bool, error) {
		hook, ok := p.(AuthorizeHook)
		if !ok {
			return true, nil
		}
		return hook.Authorize(ctx)
	}, ctx); stop {
		return out
	}

	if out, stop := d.runGuarded(plugins, "before_proxy", func(p Plugin) (bool, error) {
		hook, ok := p.(BeforeProxyHook)
		if !ok {
			return true, nil
		}
		return hook.BeforeProxy(ctx)
	}, ctx); stop {
		return out
	}

	return Outcome{Plugins: plugins}
}

func consumerID(c *config.Consumer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// authenticate implements the Single/Multi branching from §4.F: Single
// mode runs authenticators in order and stops at the first success or
// first failure; Multi mode runs every authenticator unconditionally,
// then applies a synthetic identity gate.
func (d *Dispatcher) authenticate(ctx *RequestContext, plugins []Resolved) (Outcome, bool) {
	switch ctx.AuthMode {
	case config.AuthModeMulti:
		for _, rp := range plugins {
			if _, ok := rp.Plugin.(AuthenticateHook); !ok {
				continue
			}
			hook := rp.Plugin.(AuthenticateHook)
			_, err := d.invokeGuarded(rp, "authenticate", func(Plugin) (bool, error) {
				return hook.Authenticate(ctx)
			})
			if err != nil {
				log.Warn().Err(err).Str("component", "plugin_dispatcher").
					Str("plugin", rp.Plugin.Name()).Msg("authenticator failed in multi mode, continuing")
			}
		}
		if !ctx.Identified() {
			return d.shortCircuitFor(ferrors.Auth(ferrors.CodeNoIdentifiedConsumer, nil)), true
		}
		return Outcome{}, false

	default: // Single
		sawAuthenticator := false
		for _, rp := range plugins {
			hook, ok := rp.Plugin.(AuthenticateHook)
			if !ok {
				continue
			}
			sawAuthenticator = true
			cont, err := d.invokeGuarded(rp, "authenticate", func(Plugin) (bool, error) {
				return hook.Authenticate(ctx)
			})
			if err != nil {
				return d.shortCircuitFor(err), true
			}
			if ctx.ShortCircuited() {
				code, body, _ := ctx.ShortCircuitResponse()
				return Outcome{ShortCircuited: true, StatusCode: code, Body: body}, true
			}
			if ctx.Identified() {
				break
			}
			if !cont {
				return d.shortCircuitFor(ferrors.Auth(ferrors.CodeInvalidCredential, nil)), true
			}
		}
		if sawAuthenticator && !ctx.Identified() {
			return d.shortCircuitFor(ferrors.Auth(ferrors.CodeNoIdentifiedConsumer, nil)), true
		}
		return Outcome{}, false
	}
}

// runGuarded invokes hookFn against every plugin in the list in order,
// stopping on the first short-circuit, error, or cont=false.
func (d *Dispatcher) runGuarded(plugins []Resolved, phase string, hookFn func(Plugin) (bool, error), ctx *RequestContext) (Outcome, bool) {
	for _, rp := range plugins {
		cont, err := d.invokeGuarded(rp, phase, hookFn)
		if err != nil {
			return d.shortCircuitFor(err), true
		}
		if ctx.ShortCircuited() {
			code, body, _ := ctx.ShortCircuitResponse()
			return Outcome{ShortCircuited: true, StatusCode: code, Body: body}, true
		}
		if !cont {
			return Outcome{ShortCircuited: true, StatusCode: 500}, true
		}
	}
	return Outcome{}, false
}

// invokeGuarded calls hookFn for one plugin, recovering a panic into a
// CategoryPlugin error so a single misbehaving plugin cannot crash the
// request goroutine (§4.F Failure semantics: "internal panic in a plugin
// must be caught and degraded to 500").
func (d *Dispatcher) invokeGuarded(rp Resolved, phase string, hookFn func(Plugin) (bool, error)) (cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic("plugin_dispatcher", rp.Plugin.Name(), phase, r)
			err = ferrors.Plugin(ferrors.CodePluginPanic, fmt.Errorf("%s: %v", rp.Plugin.Name(), r))
		}
	}()
	return hookFn(rp.Plugin)
}

func (d *Dispatcher) shortCircuitFor(err error) Outcome {
	status := 500
	if fe, ok := ferrors.As(err); ok {
		status = fe.Status
	}
	return Outcome{ShortCircuited: true, StatusCode: status, Body: []byte(err.Error())}
}

// PostProxy runs after_proxy over the resolved plugin list PreProxy
// produced (§4.F step 10). Response mutation is permitted; a hook cannot
// short-circuit here because a backend response already exists.
func (d *Dispatcher) PostProxy(ctx *RequestContext, plugins []Resolved, resp *BackendResponse) {
	for _, rp := range plugins {
		hook, ok := rp.Plugin.(AfterProxyHook)
		if !ok {
			continue
		}
		d.runAfterProxy(ctx, rp, hook, resp)
	}
}

func (d *Dispatcher) runAfterProxy(ctx *RequestContext, rp Resolved, hook AfterProxyHook, resp *BackendResponse) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic("plugin_dispatcher", rp.Plugin.Name(), "after_proxy", r)
		}
	}()
	if err := hook.AfterProxy(ctx, resp); err != nil {
		log.Warn().Err(err).
			Str("component", "plugin_dispatcher").
			Str("plugin", rp.Plugin.Name()).
			Msg("after_proxy hook returned an error")
	}
}

// Log dispatches every log hook in plugins as detached goroutines (§4.F
// step 11, §5: log hooks must not delay the client response). wg, if
// non-nil, lets tests wait for completion; production callers pass nil.
func (d *Dispatcher) Log(ctx *RequestContext, plugins []Resolved, resp *BackendResponse, wg *sync.WaitGroup) {
	for _, rp := range plugins {
		hook, ok := rp.Plugin.(LogHook)
		if !ok {
			continue
		}
		if wg != nil {
			wg.Add(1)
		}
		go d.runLog(ctx, rp, hook, resp, wg)
	}
}

func (d *Dispatcher) runLog(ctx *RequestContext, rp Resolved, hook LogHook, resp *BackendResponse, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic("plugin_dispatcher", rp.Plugin.Name(), "log", r)
		}
	}()
	hook.Log(ctx, resp)
}
