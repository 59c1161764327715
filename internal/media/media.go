// Package media resolves opaque media references from inbound channels into bytes.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound is wrapped by resolvers when a reference points at nothing retrievable.
var ErrNotFound = errors.New("media not found")

// Media is a downloaded media object.
type Media struct {
	Data     []byte
	MimeType string
}

// Resolver turns a media reference into its content.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Media, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ref string) (Media, error)

// Resolve calls f(ctx, ref).
func (f ResolverFunc) Resolve(ctx context.Context, ref string) (Media, error) {
	return f(ctx, ref)
}

// Router dispatches references of the form "<scheme>:<id>" to the resolver
// registered for the scheme. References without a registered scheme go to the fallback.
type Router struct {
	routes   map[string]Resolver
	fallback Resolver
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Resolver) *Router {
	return &Router{routes: make(map[string]Resolver), fallback: fallback}
}

// Handle registers r for refs prefixed with scheme + ":".
func (r *Router) Handle(scheme string, resolver Resolver) {
	r.routes[scheme] = resolver
}

// Resolve implements Resolver.
func (r *Router) Resolve(ctx context.Context, ref string) (Media, error) {
	if scheme, id, ok := strings.Cut(ref, ":"); ok {
		if resolver, exists := r.routes[scheme]; exists {
			return resolver.Resolve(ctx, id)
		}
	}
	if r.fallback == nil {
		return Media{}, fmt.Errorf("no resolver for media ref %q: %w", ref, ErrNotFound)
	}
	return r.fallback.Resolve(ctx, ref)
}

// DetectMimeType returns declared when it is set, otherwise sniffs data.
// Parameters such as "; codecs=opus" are stripped.
func DetectMimeType(declared string, data []byte) string {
	mimeType := strings.TrimSpace(declared)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}
	if base, _, found := strings.Cut(mimeType, ";"); found {
		mimeType = strings.TrimSpace(base)
	}
	return strings.ToLower(mimeType)
}
