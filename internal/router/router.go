// Package router implements the Router component (§4.C): a persistent
// radix tree keyed by Proxy.listen_path + "/*", supporting O(k)
// longest-prefix match and atomic, single-writer, lock-free-for-readers
// tree replacement.
//
// The tree is never mutated in place once published: hashicorp's
// immutable radix tree gives every Insert a fresh root, and Reload simply
// swaps an atomic pointer to that root. In-flight matches that started
// against the prior tree run to completion against it.
package router

import (
	"fmt"
	"strings"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

// routeKey normalizes a listen_path or an incoming request path into the
// boundary-safe tree key spec.md calls "listen_path + /*": go-immutable-
// radix has no concept of a matchit-style wildcard segment, so the
// boundary is enforced with the actual path separator instead of a
// literal asterisk. A trailing "/" is appended after trimming any
// existing one, so "/api" and "/api/" both normalize to "/api/" and an
// exact match ("/api") and a sub-path match ("/api/foo") both land on
// the same key, while "/apiv2" and "/api2" never share a byte-prefix
// with it.
func routeKey(path string) []byte {
	return []byte(strings.TrimSuffix(path, "/") + "/")
}

// Router resolves an incoming request path to the id of the Proxy whose
// listen_path is its longest matching prefix.
type Router struct {
	tree atomic.Pointer[iradix.Tree]
}

// New returns an empty Router.
func New() *Router {
	r := &Router{}
	r.tree.Store(iradix.New())
	return r
}

// Match implements Router.match(path) from §4.C: returns the Proxy id
// whose listen_path is the longest prefix of path, or ok=false on a miss.
func (r *Router) Match(path string) (proxyID string, ok bool) {
	tree := r.tree.Load()
	_, v, found := tree.Root().LongestPrefix(routeKey(path))
	if !found {
		return "", false
	}
	return v.(string), true
}

// Rebuild constructs a fresh tree from proxies without publishing it.
// Two proxies sharing a listen_path is a fatal validation error; the
// caller is expected to keep serving the previously published tree.
func Rebuild(proxies []*config.Proxy) (*iradix.Tree, error) {
	tree := iradix.New()
	seen := make(map[string]string, len(proxies))

	for _, p := range proxies {
		if existing, dup := seen[p.ListenPath]; dup {
			return nil, fmt.Errorf("router: listen_path %q claimed by both proxy %q and %q", p.ListenPath, existing, p.ID)
		}
		seen[p.ListenPath] = p.ID

		var newTree *iradix.Tree
		newTree, _, _ = tree.Insert(routeKey(p.ListenPath), p.ID)
		tree = newTree
	}

	return tree, nil
}

// Swap atomically replaces the published tree.
func (r *Router) Swap(tree *iradix.Tree) {
	r.tree.Store(tree)
}

// Reload rebuilds and swaps in one step. On a build conflict the
// previously published tree is left untouched and the error is returned
// for the caller to log/alert on.
func (r *Router) Reload(proxies []*config.Proxy) error {
	tree, err := Rebuild(proxies)
	if err != nil {
		return err
	}
	r.Swap(tree)
	return nil
}

// Len reports the number of distinct listen_paths in the published tree.
func (r *Router) Len() int {
	return r.tree.Load().Len()
}
