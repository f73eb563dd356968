// Package catalog declares the music-catalog entities: their schemas,
// identifier fields, and the names of every relation a run produces.
package catalog

import "catalogetl/internal/records"

// Input relations.
const (
	Artists         = "artists"
	Tracks          = "tracks"
	Recommendations = "recommendations"
)

// Cleaned relations.
const (
	ArtistsCleaned         = "artists_cleaned"
	TracksCleaned          = "tracks_cleaned"
	RecommendationsCleaned = "recommendations_cleaned"
)

// Derived relations.
const (
	MasterTable            = "master_table"
	RecommendationExploded = "recommendation_exploded"
	TrackArtist            = "track_artist"
	ArtistMetadata         = "artist_metadata"
	TrackMetadata          = "track_metadata"
)

// Field names.
const (
	FieldID                 = "id"
	FieldName               = "name"
	FieldGenres             = "genres"
	FieldIDArtists          = "id_artists"
	FieldPopularity         = "popularity"
	FieldRecommendations    = "recommendations"
	FieldArtistID           = "artist_id"
	FieldRecommendedTrackID = "recommended_track_id"
)

// ArtistSchema is (id string, name string, genres array<string>).
func ArtistSchema() records.Schema {
	return records.NewSchema(
		records.Field{Name: FieldID, Type: records.String},
		records.Field{Name: FieldName, Type: records.String},
		records.Field{Name: FieldGenres, Type: records.StringList},
	)
}

// TrackSchema is (id string, name string, id_artists array<string>, popularity string).
// popularity stays string-typed as delivered.
func TrackSchema() records.Schema {
	return records.NewSchema(
		records.Field{Name: FieldID, Type: records.String},
		records.Field{Name: FieldName, Type: records.String},
		records.Field{Name: FieldIDArtists, Type: records.StringList},
		records.Field{Name: FieldPopularity, Type: records.String},
	)
}

// RecommendationSchema is (id string, recommendations array<string>).
func RecommendationSchema() records.Schema {
	return records.NewSchema(
		records.Field{Name: FieldID, Type: records.String},
		records.Field{Name: FieldRecommendations, Type: records.StringList},
	)
}

// CleanedName maps an input relation to the name its cleaned form is written under.
func CleanedName(input string) string {
	switch input {
	case Artists:
		return ArtistsCleaned
	case Tracks:
		return TracksCleaned
	case Recommendations:
		return RecommendationsCleaned
	default:
		return input + "_cleaned"
	}
}

// OutputNames lists every relation a successful run writes, cleaned first.
func OutputNames() []string {
	return []string{
		ArtistsCleaned,
		TracksCleaned,
		RecommendationsCleaned,
		MasterTable,
		RecommendationExploded,
		TrackArtist,
		ArtistMetadata,
		TrackMetadata,
	}
}
