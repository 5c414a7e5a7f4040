package credential

import (
	"sync/atomic"
)

// Provider supplies the bearer token used for upstream calls. Implementations
// may rotate between several tokens; callers ask for the current one on every
// request and must not cache it.
type Provider interface {
	CurrentToken() string
}

// Static always returns the same token.
type Static string

func (s Static) CurrentToken() string { return string(s) }

// Pool rotates round-robin over a fixed set of tokens.
type Pool struct {
	tokens []string
	next   atomic.Uint64
}

// NewPool returns a Pool over tokens. Empty entries are dropped.
func NewPool(tokens []string) *Pool {
	p := &Pool{}
	for _, t := range tokens {
		if t != "" {
			p.tokens = append(p.tokens, t)
		}
	}
	return p
}

// Len reports how many tokens the pool holds.
func (p *Pool) Len() int { return len(p.tokens) }

func (p *Pool) CurrentToken() string {
	if len(p.tokens) == 0 {
		return ""
	}
	n := p.next.Add(1) - 1
	return p.tokens[n%uint64(len(p.tokens))]
}

// Preview returns a redacted form of a token suitable for logs.
func Preview(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
