package assets

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"path"
	"regexp"

	"github.com/robert-malhotra/cmr-tiler/internal/cmr"
)

// Resolver turns a query into an ordered, deduplicated list of assets.
// An empty list is a valid result.
type Resolver interface {
	Resolve(ctx context.Context, q Query) ([]Asset, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, q Query) ([]Asset, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, q Query) ([]Asset, error) {
	return f(ctx, q)
}

// GranuleSource is the slice of the CMR client the resolver needs.
type GranuleSource interface {
	Granules(ctx context.Context, params cmr.SearchParams, limit int) iter.Seq2[cmr.Granule, error]
}

// CMRResolver resolves queries with a live CMR granule search.
type CMRResolver struct {
	source GranuleSource
	logger *slog.Logger
}

// NewCMRResolver creates a resolver backed by source.
func NewCMRResolver(source GranuleSource, logger *slog.Logger) *CMRResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CMRResolver{source: source, logger: logger}
}

// CompileBandsRegex compiles a band regex, wrapping failures in
// ErrInvalidBandsRegex. An empty pattern yields nil.
func CompileBandsRegex(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidBandsRegex, pattern, err)
	}
	return re, nil
}

// Resolve runs the granule search and maps each granule to an asset.
func (r *CMRResolver) Resolve(ctx context.Context, q Query) ([]Asset, error) {
	q = q.Rounded()

	bandsRe, err := CompileBandsRegex(q.BandsRegex)
	if err != nil {
		return nil, err
	}

	params := cmr.SearchParams{
		CollectionConceptID: []string{q.Collection},
		BoundingBox:         cmr.FormatBoundingBox(q.BBox),
		Temporal:            q.Temporal.String(),
	}

	var (
		out  []Asset
		seen = make(map[string]struct{})
	)
	for g, err := range r.source.Granules(ctx, params, q.Limit) {
		if err != nil {
			return nil, fmt.Errorf("granule search failed: %w", err)
		}

		id := g.UMM.GranuleUR
		if id == "" {
			id = g.ConceptID
		}
		if _, dup := seen[id]; dup {
			continue
		}

		asset, ok := r.toAsset(g, id, q.Access, bandsRe)
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, asset)
	}

	r.logger.DebugContext(ctx, "resolved assets",
		slog.String("collection", q.Collection),
		slog.Int("count", len(out)),
	)

	return out, nil
}

func (r *CMRResolver) toAsset(g cmr.Granule, id string, access AccessMode, bandsRe *regexp.Regexp) (Asset, bool) {
	links := g.UMM.DataLinks(string(access))
	if len(links) == 0 {
		r.logger.Warn("granule has no data link for access mode",
			slog.String("granule", id),
			slog.String("access", string(access)),
		)
		return Asset{}, false
	}

	asset := Asset{
		ID:         id,
		Provider:   g.ProviderID,
		Collection: g.UMM.CollectionReference.ShortName,
		BBox:       g.UMM.GetBBox(),
		CloudCover: g.UMM.CloudCover,
	}
	if len(g.UMM.Platforms) > 0 {
		asset.Platform = g.UMM.Platforms[0].ShortName
	}
	if geom, err := g.UMM.GetGeometry(); err == nil {
		asset.Footprint = geom
	}
	if start, err := g.UMM.GetStartTime(); err == nil && !start.IsZero() {
		asset.Start = &start
	}
	if end, err := g.UMM.GetEndTime(); err == nil && !end.IsZero() {
		asset.End = &end
	}

	if bandsRe == nil {
		asset.URL = links[0]
		return asset, true
	}

	bands := make(map[string]string)
	for _, link := range links {
		match := bandsRe.FindString(fileName(link))
		if match == "" {
			continue
		}
		if _, exists := bands[match]; !exists {
			bands[match] = link
		}
	}
	if len(bands) == 0 {
		return Asset{}, false
	}
	asset.Bands = bands
	return asset, true
}

func fileName(link string) string {
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(link)
}
