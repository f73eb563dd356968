package composer

import (
	"context"
	"fmt"

	"catalogetl/internal/catalog"
	"catalogetl/internal/records"
)

// Qualifiers used for the right sides of the master joins.
const (
	artistQualifier         = "artist"
	recommendationQualifier = "recommendation"
)

// Master view columns that differ from their joined names.
const (
	FieldArtistRefID         = "artist_ref_id"
	FieldArtistName          = "artist_name"
	FieldRecommendationRefID = "recommendation_ref_id"
)

// MasterColumns maps the joined master frame to its written schema. In the
// written schema "name" is the track's name and "artist_name" the artist's.
func MasterColumns() []Column {
	q := func(qual, f string) string { return qual + "." + f }
	return []Column{
		{From: catalog.FieldID},
		{From: catalog.FieldName},
		{From: catalog.FieldIDArtists},
		{From: catalog.FieldPopularity},
		{From: catalog.FieldArtistID},
		{From: q(artistQualifier, catalog.FieldID), To: FieldArtistRefID},
		{From: q(artistQualifier, catalog.FieldName), To: FieldArtistName},
		{From: q(artistQualifier, catalog.FieldGenres), To: catalog.FieldGenres},
		{From: q(recommendationQualifier, catalog.FieldID), To: FieldRecommendationRefID},
		{From: q(recommendationQualifier, catalog.FieldRecommendations), To: catalog.FieldRecommendations},
	}
}

// BuildMaster derives the master view from the cleaned inputs:
//
//	Flatten(tracks, id_artists -> artist_id)
//	  LEFT JOIN artists         ON artist_id = artists.id
//	  LEFT JOIN recommendations ON id        = recommendations.id
//
// One row per (track, artist id); unmatched sides are nil.
func BuildMaster(ctx context.Context, tracks, artists, recs records.Relation, partitions int) (records.Relation, error) {
	flat, err := Flatten(tracks, catalog.FieldIDArtists, catalog.FieldArtistID)
	if err != nil {
		return records.Relation{}, fmt.Errorf("master: %w", err)
	}

	withArtist, err := LeftJoin(ctx, flat, artists, JoinSpec{
		LeftKey:    catalog.FieldArtistID,
		RightKey:   catalog.FieldID,
		Qualifier:  artistQualifier,
		Partitions: partitions,
	})
	if err != nil {
		return records.Relation{}, err
	}

	withRecs, err := LeftJoin(ctx, withArtist, recs, JoinSpec{
		LeftKey:    catalog.FieldID,
		RightKey:   catalog.FieldID,
		Qualifier:  recommendationQualifier,
		Partitions: partitions,
	})
	if err != nil {
		return records.Relation{}, err
	}

	return Project(withRecs, catalog.MasterTable, MasterColumns()...)
}
