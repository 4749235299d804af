package board

// Board models the persisted document: the full object set as one JSON
// payload plus the durable version counter the flush compare-and-swap runs
// against.
type Board struct {
	BoardID          string `gorm:"column:board_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	ObjectsJSON      string `gorm:"column:objects_json;type:text;not null;default:'[]'"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// Marker is a navigation marker pinned to a board, loaded as a sidecar of the
// join snapshot. Markers are not part of the working state and never flush.
type Marker struct {
	BoardID          string  `gorm:"column:board_id;primaryKey;size:190;not null"`
	MarkerID         string  `gorm:"column:marker_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null"`
	Label            string  `gorm:"column:label;size:320;not null;default:''"`
	X                float64 `gorm:"column:x;not null;default:0"`
	Y                float64 `gorm:"column:y;not null;default:0"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Marker) TableName() string {
	return "board_markers"
}
