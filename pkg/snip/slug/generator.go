// Package slug allocates short public identifiers for links.
package slug

import (
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"regexp"
	"strings"

	"github.com/mikepea/snip/pkg/snip/apperr"
)

const (
	// Alphabet leaves out the look-alike characters 0, O, 1, l and I
	Alphabet = "23456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"
	// DefaultLength gives 57^6 (about 3.4e10) combinations
	DefaultLength = 6
	// DefaultAttempts bounds collision retries before giving up
	DefaultAttempts = 5

	// maxReservedRedraws bounds redraws of reserved candidates so a misconfigured
	// reserved set cannot spin forever
	maxReservedRedraws = 64
)

var customPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// ExistsFunc reports whether a slug is already in use
type ExistsFunc func(ctx context.Context, slug string) (bool, error)

// Generator produces random slugs that avoid reserved route segments and existing links
type Generator struct {
	alphabet string
	length   int
	attempts int
	reserved map[string]struct{}
	exists   ExistsFunc
	random   io.Reader

	draw func() (string, error)
}

// Option configures a Generator
type Option func(*Generator)

// WithLength sets the generated slug length
func WithLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.length = n
		}
	}
}

// WithAttempts sets how many colliding candidates are tolerated
func WithAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithRandom replaces the randomness source
func WithRandom(r io.Reader) Option {
	return func(g *Generator) {
		g.random = r
	}
}

// NewGenerator creates a generator. reserved lists path segments the router owns;
// generated slugs never equal one of them, compared case-insensitively.
func NewGenerator(exists ExistsFunc, reserved []string, opts ...Option) *Generator {
	g := &Generator{
		alphabet: Alphabet,
		length:   DefaultLength,
		attempts: DefaultAttempts,
		reserved: make(map[string]struct{}, len(reserved)),
		exists:   exists,
		random:   rand.Reader,
	}
	for _, r := range reserved {
		g.reserved[strings.ToLower(r)] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	g.draw = g.randomString
	return g
}

// Generate returns a slug that is not reserved and not taken at the time of the check.
// It fails with apperr.ErrSlugExhausted once every attempt has collided.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.attempts; attempt++ {
		candidate, err := g.nextCandidate()
		if err != nil {
			return "", err
		}

		taken, err := g.exists(ctx, candidate)
		if err != nil {
			return "", apperr.StoreUnavailable(err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", apperr.ErrSlugExhausted
}

// Validate checks a user-supplied slug for format, reservation and availability
func (g *Generator) Validate(ctx context.Context, slug string) error {
	if !customPattern.MatchString(slug) {
		return apperr.InvalidInput("Slug must be 3-50 characters of letters, numbers, hyphens, and underscores")
	}
	if g.IsReserved(slug) {
		return apperr.InvalidInput("This slug is reserved")
	}

	taken, err := g.exists(ctx, slug)
	if err != nil {
		return apperr.StoreUnavailable(err)
	}
	if taken {
		return apperr.ErrSlugTaken
	}
	return nil
}

// IsReserved reports whether slug collides with a route segment
func (g *Generator) IsReserved(slug string) bool {
	_, ok := g.reserved[strings.ToLower(slug)]
	return ok
}

// nextCandidate draws until it gets a non-reserved value. Reserved draws do not
// count against the collision budget.
func (g *Generator) nextCandidate() (string, error) {
	for i := 0; i < maxReservedRedraws; i++ {
		candidate, err := g.draw()
		if err != nil {
			return "", err
		}
		if !g.IsReserved(candidate) {
			return candidate, nil
		}
	}
	return "", apperr.ErrSlugExhausted
}

func (g *Generator) randomString() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	b := make([]byte, g.length)
	for i := range b {
		n, err := rand.Int(g.random, max)
		if err != nil {
			return "", err
		}
		b[i] = g.alphabet[n.Int64()]
	}
	return string(b), nil
}
