// Package topics renders parameterized topic patterns into concrete
// publish/subscribe topic strings.
//
// Patterns embed tokens as {tokenName} placeholders. Substitution is literal
// string replacement, with no nested or recursive resolution. Token values
// are layered: service defaults, then constructor-supplied maps, then
// per-call overrides, with later layers shadowing earlier ones. Built-in
// tokens (for example the resolved client id) are applied last and cannot be
// shadowed, which prevents a caller-supplied map from redirecting traffic to
// another client's topics.
package topics

import (
	"strings"

	errspkg "github.com/rpcflow/rpcflow/internal/runtime/errors"
)

// TokenMap binds token names to replacement values.
type TokenMap map[string]string

// Clone returns a shallow copy of the token map.
func (m TokenMap) Clone() TokenMap {
	cloned := make(TokenMap, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Resolver renders topic patterns using a fixed layering of token maps.
type Resolver struct {
	defaults TokenMap
	builtin  TokenMap
}

// NewResolver constructs a Resolver. defaults is the lowest-precedence layer;
// builtin is applied last and wins every collision.
func NewResolver(defaults, builtin TokenMap) *Resolver {
	return &Resolver{
		defaults: defaults.Clone(),
		builtin:  builtin.Clone(),
	}
}

// Resolve substitutes every {token} placeholder in pattern. The supplied
// layers sit between the resolver defaults and the built-in tokens, in
// increasing precedence order. Unbound tokens fail with a typed
// unresolved-token error before anything is published.
func (r *Resolver) Resolve(pattern string, layers ...TokenMap) (string, error) {
	if pattern == "" {
		return "", errspkg.ErrTopicRequired
	}

	var out strings.Builder
	out.Grow(len(pattern))

	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			return "", errspkg.Newf(errspkg.KindUnresolvedToken,
				"topic pattern %q has an unterminated token", pattern)
		}
		close += open

		out.WriteString(rest[:open])
		token := rest[open+1 : close]
		value, ok := r.lookup(token, layers)
		if !ok {
			return "", errspkg.Newf(errspkg.KindUnresolvedToken,
				"topic pattern %q references unbound token %q", pattern, token)
		}
		out.WriteString(value)
		rest = rest[close+1:]
	}
}

func (r *Resolver) lookup(token string, layers []TokenMap) (string, bool) {
	// Built-in tokens are checked first since they cannot be shadowed.
	if v, ok := r.builtin[token]; ok {
		return v, true
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if v, ok := layers[i][token]; ok {
			return v, true
		}
	}
	v, ok := r.defaults[token]
	return v, ok
}
