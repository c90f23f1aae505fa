// Package router implements the trie-based URL matcher the HTTP surface is
// built on. Routes are registered once at startup and the tree is read-only
// afterwards, so lookups need no locking.
package router

import (
	"fmt"
	"net/http"
	"strings"
)

// Params holds the values bound to :name segments during a match.
type Params map[string]string

// Handler is invoked when a routed path reaches a node that carries one.
// Method dispatch is the handler's business; the router only matches paths.
type Handler func(w http.ResponseWriter, r *http.Request, params Params)

type node struct {
	children map[string]*node
	// param is the single wildcard child allowed at this depth; its name is
	// the :name that was registered.
	param     *node
	paramName string
	handler   Handler
}

// Router matches request paths against registered patterns.
type Router struct {
	root node
}

func New() *Router {
	return &Router{}
}

// AddHandler registers a pattern of the form /literal/:name/literal. Each
// :name segment captures exactly one path segment. Registering two patterns
// with differing parameter names at the same depth is a configuration error.
func (rt *Router) AddHandler(pattern string, h Handler) error {
	if h == nil {
		return fmt.Errorf("router: nil handler for %q", pattern)
	}
	segments, err := splitPattern(pattern)
	if err != nil {
		return err
	}

	n := &rt.root
	for _, seg := range segments {
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			if name == "" {
				return fmt.Errorf("router: empty parameter name in %q", pattern)
			}
			if n.param == nil {
				n.param = &node{}
				n.paramName = name
			} else if n.paramName != name {
				return fmt.Errorf("router: conflicting parameter names %q and %q in %q", n.paramName, name, pattern)
			}
			n = n.param
			continue
		}
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[seg]
		if !ok {
			child = &node{}
			n.children[seg] = child
		}
		n = child
	}

	if n.handler != nil {
		return fmt.Errorf("router: duplicate pattern %q", pattern)
	}
	n.handler = h
	return nil
}

// Lookup resolves a request path. A single trailing slash is tolerated.
// Literal children win over the wildcard child at every depth.
func (rt *Router) Lookup(path string) (Handler, Params, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, nil, false
	}
	path = strings.TrimSuffix(path, "/")

	n := &rt.root
	var params Params
	if path != "" {
		for _, seg := range strings.Split(path[1:], "/") {
			if seg == "" {
				return nil, nil, false
			}
			if child, ok := n.children[seg]; ok {
				n = child
				continue
			}
			if n.param == nil {
				return nil, nil, false
			}
			if params == nil {
				params = make(Params)
			}
			params[n.paramName] = seg
			n = n.param
		}
	}

	if n.handler == nil {
		return nil, nil, false
	}
	return n.handler, params, true
}

// Route dispatches the request to the matching handler. It reports false when
// no route matches, in which case the caller surfaces the 404.
func (rt *Router) Route(w http.ResponseWriter, r *http.Request) bool {
	h, params, ok := rt.Lookup(r.URL.Path)
	if !ok {
		return false
	}
	h(w, r, params)
	return true
}

func splitPattern(pattern string) ([]string, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("router: pattern %q must begin with /", pattern)
	}
	trimmed := strings.TrimSuffix(pattern, "/")
	if trimmed == "" {
		return nil, nil
	}
	segments := strings.Split(trimmed[1:], "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("router: empty segment in pattern %q", pattern)
		}
	}
	return segments, nil
}
