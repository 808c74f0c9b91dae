package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

// Resolver dispatches a file reference to the source registered for its
// scheme. References without a scheme go to the fallback source.
type Resolver struct {
	sources  map[string]ports.FileResolver
	fallback ports.FileResolver
}

func NewResolver(fallback ports.FileResolver) *Resolver {
	return &Resolver{
		sources:  make(map[string]ports.FileResolver),
		fallback: fallback,
	}
}

func (r *Resolver) Handle(scheme string, source ports.FileResolver) *Resolver {
	if source != nil {
		r.sources[strings.ToLower(scheme)] = source
	}
	return r
}

func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.WrapError(domain.ErrDownload, "fetch file", errors.New("empty file reference"))
	}

	source := r.fallback
	if scheme := schemeOf(ref); scheme != "" {
		source = r.sources[scheme]
		if source == nil {
			return nil, domain.WrapError(domain.ErrDownload, "fetch file", fmt.Errorf("unsupported reference scheme %q", scheme))
		}
	}
	if source == nil {
		return nil, domain.WrapError(domain.ErrDownload, "fetch file", fmt.Errorf("no source for reference %q", ref))
	}

	data, err := source.Fetch(ctx, ref)
	if err != nil {
		if domain.IsKind(err, domain.ErrDownload) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrDownload, "fetch file", err)
	}
	if len(data) == 0 {
		return nil, domain.WrapError(domain.ErrDownload, "fetch file", fmt.Errorf("empty payload for %s", ref))
	}
	return data, nil
}

func schemeOf(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || len(u.Scheme) < 2 {
		return ""
	}
	return strings.ToLower(u.Scheme)
}
