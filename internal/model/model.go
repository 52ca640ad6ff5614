package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DatabaseModels lists every table migrated by the SQL backends.
var DatabaseModels = []interface{}{
	&Location{},
	&Setting{},
	&SettingsRevision{},
}

// Location is one persisted fix, keyed by observation time.
type Location struct {
	ObservedAt time.Time  `json:"observedAt" gorm:"primaryKey;autoCreateTime:false"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Altitude   float64    `json:"altitude"`
	Accuracy   float32    `json:"accuracy"`
	Provider   string     `json:"provider" gorm:"size:32"`
	Position   geom.Point `json:"position"` // EPSG:4326, X=lon Y=lat Z=alt
}

func (*Location) TableName() string {
	return "location"
}

// Setting is one entry of the flat settings namespace.
type Setting struct {
	Key       string    `json:"key" gorm:"primaryKey;size:64"`
	Value     string    `json:"value" gorm:"size:64"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (*Setting) TableName() string {
	return "settings"
}

// SettingsRevision records each applied snapshot.
type SettingsRevision struct {
	gorm.Model
	Values datatypes.JSON `json:"values"`
}

func (*SettingsRevision) TableName() string {
	return "settings_revisions"
}
