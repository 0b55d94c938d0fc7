// Package dataset synchronizes per-country point datasets (hitchhiking
// spots and fuel stations) from remote services into the local store,
// splitting oversized countries into sub-regions to respect upstream
// limits.
package dataset

import (
	"errors"
	"time"

	"github.com/wolfeidau/offline-atlas/store/localdb"
)

// Kind names a dataset family. Each kind is backed by its own local
// store collection and its own upstream service.
type Kind string

const (
	// KindSpots is the hitchhiking spot dataset.
	KindSpots Kind = "spots"

	// KindStations is the fuel station dataset.
	KindStations Kind = "stations"
)

// IndexCountry is the secondary index on every dataset collection.
const IndexCountry = "country"

// ErrNotDownloaded is returned when no offline dataset exists for a
// country.
var ErrNotDownloaded = errors.New("dataset: country not downloaded")

// Collection returns the local store collection backing the kind.
func (k Kind) Collection() string {
	return string(k)
}

// Schema describes the collection for a kind at store initialisation.
func (k Kind) Schema() localdb.Collection {
	return localdb.Collection{
		Name:    k.Collection(),
		Indexes: []string{IndexCountry},
	}
}

// RecordVersion is written into every persisted record so a future
// schema change can migrate old documents explicitly.
const RecordVersion = 1

// Record is one point of a dataset. Stations carry free-form tags from
// the POI index; spots carry rating and activity fields.
type Record struct {
	Version      int               `json:"v,omitempty"`
	ID           int64             `json:"id"`
	Lat          float64           `json:"lat"`
	Lon          float64           `json:"lon"`
	Country      string            `json:"country,omitempty"`
	Rating       float64           `json:"rating,omitempty"`
	LastActivity string            `json:"lastActivity,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Manifest is one entry of the per-kind downloaded-country list, kept as
// a flat JSON document outside the structured collections.
type Manifest struct {
	Code         string    `json:"code"`
	Count        int       `json:"count"`
	DownloadedAt time.Time `json:"downloadedAt"`
}
