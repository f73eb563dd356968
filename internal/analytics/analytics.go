// Package analytics derives the narrow single-purpose views of a run from
// the cleaned inputs. Each view depends only on the cleaned relations, never
// on the master view or on another projection.
package analytics

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"catalogetl/internal/catalog"
	"catalogetl/internal/composer"
	"catalogetl/internal/records"
)

// Inputs are the cleaned relations a projection may read.
type Inputs struct {
	Artists         records.Relation
	Tracks          records.Relation
	Recommendations records.Relation
}

// Projection builds one derived relation.
type Projection struct {
	Name  string
	Build func(in Inputs) (records.Relation, error)
}

// Projections returns every analytical view in output order.
func Projections() []Projection {
	return []Projection{
		{Name: catalog.RecommendationExploded, Build: RecommendationExploded},
		{Name: catalog.TrackArtist, Build: TrackArtist},
		{Name: catalog.ArtistMetadata, Build: ArtistMetadata},
		{Name: catalog.TrackMetadata, Build: TrackMetadata},
	}
}

// RecommendationExploded is (id, recommended_track_id), one row per element
// of each recommendation list.
func RecommendationExploded(in Inputs) (records.Relation, error) {
	flat, err := composer.Flatten(in.Recommendations, catalog.FieldRecommendations, catalog.FieldRecommendedTrackID)
	if err != nil {
		return records.Relation{}, err
	}
	return composer.Project(flat, catalog.RecommendationExploded, composer.Keep(catalog.FieldID, catalog.FieldRecommendedTrackID)...)
}

// TrackArtist is (id, artist_id), one row per element of id_artists.
func TrackArtist(in Inputs) (records.Relation, error) {
	flat, err := composer.Flatten(in.Tracks, catalog.FieldIDArtists, catalog.FieldArtistID)
	if err != nil {
		return records.Relation{}, err
	}
	return composer.Project(flat, catalog.TrackArtist, composer.Keep(catalog.FieldID, catalog.FieldArtistID)...)
}

// ArtistMetadata is (id, name, genres).
func ArtistMetadata(in Inputs) (records.Relation, error) {
	return composer.Project(in.Artists, catalog.ArtistMetadata, composer.Keep(catalog.FieldID, catalog.FieldName, catalog.FieldGenres)...)
}

// TrackMetadata is (id, name, popularity).
func TrackMetadata(in Inputs) (records.Relation, error) {
	return composer.Project(in.Tracks, catalog.TrackMetadata, composer.Keep(catalog.FieldID, catalog.FieldName, catalog.FieldPopularity)...)
}

// Derive builds every projection concurrently and returns them in
// Projections() order. The first failure cancels the rest.
func Derive(ctx context.Context, in Inputs) ([]records.Relation, error) {
	ps := Projections()
	out := make([]records.Relation, len(ps))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ps {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := p.Build(in)
			if err != nil {
				return fmt.Errorf("derive %s: %w", p.Name, err)
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
