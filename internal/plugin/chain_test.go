package plugin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/ferrors"
)

// fakeAuthenticator is a minimal AuthenticateHook used to exercise
// Dispatcher.authenticate's Single/Multi branching without pulling in a
// real builtin plugin.
type fakeAuthenticator struct {
	name string

	// identifies is the consumer this authenticator sets when it matches,
	// nil if it never matches.
	identifies *config.Consumer
	// failErr, if non-nil, is returned as the Authenticate error (Single
	// mode: stops the pipeline immediately with this error).
	failErr error
}

func (f *fakeAuthenticator) Name() string { return f.name }

func (f *fakeAuthenticator) Authenticate(ctx *RequestContext) (bool, error) {
	if f.failErr != nil {
		return false, f.failErr
	}
	if f.identifies != nil {
		ctx.SetConsumer(f.identifies)
	}
	return true, nil
}

func resolvedOf(p Plugin) Resolved {
	return Resolved{Plugin: p, Config: &config.PluginConfig{PluginName: p.Name()}}
}

func newTestRequestContext(authMode config.AuthMode) *RequestContext {
	proxy := &config.Proxy{ID: "p1", AuthMode: authMode}
	r := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	return NewRequestContext(r, "1.2.3.4", proxy, nil)
}

// TestDispatcher_SingleAuth_FirstFailShortCircuits covers the boundary
// behavior "Single-auth: three authenticators [K, J, B], first fails ->
// 401 with K's reason; first succeeds -> J and B skipped."
func TestDispatcher_SingleAuth_FirstFailShortCircuits(t *testing.T) {
	k := &fakeAuthenticator{name: "key_auth", failErr: ferrors.Auth(ferrors.CodeInvalidCredential, nil)}
	j := &fakeAuthenticator{name: "jwt_auth"}
	b := &fakeAuthenticator{name: "basic_auth"}

	d := NewDispatcher(NewRegistry())
	ctx := newTestRequestContext(config.AuthModeSingle)

	out, stop := d.authenticate(ctx, []Resolved{resolvedOf(k), resolvedOf(j), resolvedOf(b)})
	if !stop {
		t.Fatalf("authenticate did not stop the pipeline")
	}
	if out.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", out.StatusCode)
	}
	if ctx.Identified() {
		t.Errorf("ctx unexpectedly identified a consumer")
	}
}

func TestDispatcher_SingleAuth_FirstSuccessSkipsRest(t *testing.T) {
	owner := &config.Consumer{ID: "c1", Username: "k-owner"}
	k := &fakeAuthenticator{name: "key_auth", identifies: owner}
	j := &fakeAuthenticator{name: "jwt_auth", identifies: &config.Consumer{ID: "c2", Username: "j-owner"}}
	b := &fakeAuthenticator{name: "basic_auth", identifies: &config.Consumer{ID: "c3", Username: "b-owner"}}

	d := NewDispatcher(NewRegistry())
	ctx := newTestRequestContext(config.AuthModeSingle)

	out, stop := d.authenticate(ctx, []Resolved{resolvedOf(k), resolvedOf(j), resolvedOf(b)})
	if stop {
		t.Fatalf("authenticate short-circuited unexpectedly: status=%d", out.StatusCode)
	}
	if !ctx.Identified() || ctx.Consumer.ID != "c1" {
		t.Errorf("Consumer = %v, want c1 (key_auth's match, sticky against later authenticators)", ctx.Consumer)
	}
}

// TestDispatcher_MultiAuth_IdentityGate covers "Multi-auth: three
// authenticators, only J identifies a consumer -> identity gate passes;
// none identify -> 401."
func TestDispatcher_MultiAuth_IdentityGate(t *testing.T) {
	owner := &config.Consumer{ID: "j-owner-id", Username: "j-owner"}

	t.Run("one identifies, gate passes", func(t *testing.T) {
		k := &fakeAuthenticator{name: "key_auth"}
		j := &fakeAuthenticator{name: "jwt_auth", identifies: owner}
		b := &fakeAuthenticator{name: "basic_auth"}

		d := NewDispatcher(NewRegistry())
		ctx := newTestRequestContext(config.AuthModeMulti)

		out, stop := d.authenticate(ctx, []Resolved{resolvedOf(k), resolvedOf(j), resolvedOf(b)})
		if stop {
			t.Fatalf("authenticate short-circuited unexpectedly: status=%d", out.StatusCode)
		}
		if !ctx.Identified() || ctx.Consumer.ID != owner.ID {
			t.Errorf("Consumer = %v, want %v", ctx.Consumer, owner)
		}
	})

	t.Run("none identify, gate fails with 401", func(t *testing.T) {
		k := &fakeAuthenticator{name: "key_auth"}
		j := &fakeAuthenticator{name: "jwt_auth"}
		b := &fakeAuthenticator{name: "basic_auth"}

		d := NewDispatcher(NewRegistry())
		ctx := newTestRequestContext(config.AuthModeMulti)

		out, stop := d.authenticate(ctx, []Resolved{resolvedOf(k), resolvedOf(j), resolvedOf(b)})
		if !stop {
			t.Fatalf("authenticate did not stop the pipeline")
		}
		if out.StatusCode != http.StatusUnauthorized {
			t.Errorf("StatusCode = %d, want 401", out.StatusCode)
		}
	})
}

// TestDispatcher_MultiAuth_LaterAuthenticatorDoesNotOverwrite covers
// end-to-end scenario 6: identified_consumer set by the first match,
// jwt_auth runs anyway (Multi mode runs every authenticator
// unconditionally) but does not overwrite it, the identity gate passes,
// and authorize (access_control, stood in for here by a plain allow)
// admits the request.
func TestDispatcher_MultiAuth_LaterAuthenticatorDoesNotOverwrite(t *testing.T) {
	kOwner := &config.Consumer{ID: "k-owner-id", Username: "k-owner"}
	jOther := &config.Consumer{ID: "j-other-id", Username: "j-other"}

	k := &fakeAuthenticator{name: "key_auth", identifies: kOwner}
	j := &fakeAuthenticator{name: "jwt_auth", identifies: jOther}

	d := NewDispatcher(NewRegistry())
	ctx := newTestRequestContext(config.AuthModeMulti)

	out, stop := d.authenticate(ctx, []Resolved{resolvedOf(k), resolvedOf(j)})
	if stop {
		t.Fatalf("authenticate short-circuited unexpectedly: status=%d", out.StatusCode)
	}
	if ctx.Consumer.ID != kOwner.ID {
		t.Fatalf("Consumer = %v, want %v (jwt_auth must not overwrite the sticky slot)", ctx.Consumer, kOwner)
	}

	allow := &fakeAllow{}
	authzOut, authzStop := d.runGuarded([]Resolved{{Plugin: allow, Config: &config.PluginConfig{PluginName: "access_control"}}}, "authorize", func(p Plugin) (bool, error) {
		hook := p.(AuthorizeHook)
		return hook.Authorize(ctx)
	}, ctx)
	if authzStop {
		t.Fatalf("authorize short-circuited unexpectedly: status=%d", authzOut.StatusCode)
	}
}

type fakeAllow struct{}

func (fakeAllow) Name() string { return "access_control" }
func (fakeAllow) Authorize(ctx *RequestContext) (bool, error) {
	return true, nil
}

// panicAuthenticator always panics, exercising invokeGuarded's
// recover-and-degrade-to-500 path.
type panicAuthenticator struct{}

func (panicAuthenticator) Name() string { return "panic_auth" }
func (panicAuthenticator) Authenticate(ctx *RequestContext) (bool, error) {
	panic("boom")
}

func TestDispatcher_PanicDuringAuthenticateDegradesTo500(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	ctx := newTestRequestContext(config.AuthModeSingle)

	out, stop := d.authenticate(ctx, []Resolved{resolvedOf(panicAuthenticator{})})
	if !stop {
		t.Fatalf("authenticate did not stop the pipeline after a panic")
	}
	if out.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", out.StatusCode)
	}
}
