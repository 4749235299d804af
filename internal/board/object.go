package board

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectType discriminates the polymorphic board object shapes.
type ObjectType string

const (
	ObjectTypeSticky    ObjectType = "sticky"
	ObjectTypeShape     ObjectType = "shape"
	ObjectTypeFrame     ObjectType = "frame"
	ObjectTypeConnector ObjectType = "connector"
	ObjectTypeLine      ObjectType = "line"
	ObjectTypeText      ObjectType = "text"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidObjectID indicates an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("board: invalid object id")
	// ErrInvalidObjectType indicates an unknown type discriminator.
	ErrInvalidObjectType = errors.New("board: invalid object type")
	// ErrInvalidParent indicates a grouping reference that is missing, not a frame,
	// or itself nested.
	ErrInvalidParent = errors.New("board: invalid parent reference")
)

// Point is a single vertex of a freeform line.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Object is the wire and cache representation of one board element. The base
// attribute set is shared across types; geometry and style fields are pointers
// so a partial update can distinguish "absent" from "zero".
type Object struct {
	ID               string     `json:"id"`
	Type             ObjectType `json:"type"`
	ParentID         string     `json:"parentId,omitempty"`
	CreatedBy        string     `json:"createdBy,omitempty"`
	UpdatedBy        string     `json:"updatedBy,omitempty"`
	CreatedAtSeconds int64      `json:"createdAt,omitempty"`
	UpdatedAtSeconds int64      `json:"updatedAt,omitempty"`

	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	Color    *string  `json:"color,omitempty"`
	Text     *string  `json:"text,omitempty"`
	FontSize *float64 `json:"fontSize,omitempty"`
	Shape    *string  `json:"shape,omitempty"`
	FromID   *string  `json:"fromId,omitempty"`
	ToID     *string  `json:"toId,omitempty"`
	Points   []Point  `json:"points,omitempty"`
}

// Updates is a partial field set applied to an existing object. Keys are the
// JSON field names; values are whatever encoding/json produced for them.
type Updates map[string]interface{}

// ValidateObject checks the structural invariants that hold independent of
// document state.
func ValidateObject(obj Object) error {
	trimmed := strings.TrimSpace(obj.ID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectID, maxIdentifierLength)
	}
	switch obj.Type {
	case ObjectTypeSticky, ObjectTypeShape, ObjectTypeFrame, ObjectTypeConnector, ObjectTypeLine, ObjectTypeText:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidObjectType, obj.Type)
	}
	return nil
}

// Apply merges a partial field set into the object, last writer wins per
// field. Unknown keys are ignored so newer clients do not break older servers.
func (o *Object) Apply(updates Updates) {
	for key, raw := range updates {
		switch key {
		case "parentId":
			if v, ok := raw.(string); ok {
				o.ParentID = v
			}
		case "x":
			if v, ok := asFloat(raw); ok {
				o.X = &v
			}
		case "y":
			if v, ok := asFloat(raw); ok {
				o.Y = &v
			}
		case "width":
			if v, ok := asFloat(raw); ok {
				o.Width = &v
			}
		case "height":
			if v, ok := asFloat(raw); ok {
				o.Height = &v
			}
		case "rotation":
			if v, ok := asFloat(raw); ok {
				o.Rotation = &v
			}
		case "fontSize":
			if v, ok := asFloat(raw); ok {
				o.FontSize = &v
			}
		case "color":
			if v, ok := raw.(string); ok {
				o.Color = &v
			}
		case "text":
			if v, ok := raw.(string); ok {
				o.Text = &v
			}
		case "shape":
			if v, ok := raw.(string); ok {
				o.Shape = &v
			}
		case "fromId":
			if v, ok := raw.(string); ok {
				o.FromID = &v
			}
		case "toId":
			if v, ok := raw.(string); ok {
				o.ToID = &v
			}
		case "points":
			if pts, ok := asPoints(raw); ok {
				o.Points = pts
			}
		}
	}
}

func asFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func asPoints(raw interface{}) ([]Point, bool) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	points := make([]Point, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		x, okX := asFloat(fields["x"])
		y, okY := asFloat(fields["y"])
		if !okX || !okY {
			return nil, false
		}
		points = append(points, Point{X: x, Y: y})
	}
	return points, true
}
