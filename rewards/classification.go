package rewards

import "strings"

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classification is the qualitative tier a proposal is judged into.
// The empty value means "not classified".
type Classification string

const (
	ClassHold      Classification = "hold"
	ClassEffort    Classification = "effort"
	ClassIdea      Classification = "idea"
	ClassExcellent Classification = "excellent"
)

// Classifications lists every tier, lowest first.
var Classifications = []Classification{ClassHold, ClassEffort, ClassIdea, ClassExcellent}

var displayLabels = map[Classification]string{
	ClassHold:      "保留提案",
	ClassEffort:    "努力提案",
	ClassIdea:      "アイディア提案",
	ClassExcellent: "優秀提案",
}

// Historical spellings found in legacy records. Live input and imports share
// this table.
var aliases = map[string]Classification{
	"保留":     ClassHold,
	"努力":     ClassEffort,
	"アイデア":   ClassIdea,
	"アイディア":  ClassIdea,
	"アイデア提案": ClassIdea,
	"優秀":     ClassExcellent,
}

// Label returns the Japanese display label.
func (c Classification) Label() string {
	return displayLabels[c]
}

// IsValid reports whether c is one of the four tiers.
func (c Classification) IsValid() bool {
	_, ok := displayLabels[c]
	return ok
}

// ParseClassification accepts a code (any case), a display label or a
// historical alias. ok is false for anything else, including "".
func ParseClassification(label string) (Classification, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", false
	}
	if c := Classification(strings.ToLower(label)); c.IsValid() {
		return c, true
	}
	for c, display := range displayLabels {
		if display == label {
			return c, true
		}
	}
	c, ok := aliases[label]
	return c, ok
}

// =============================================================================
// POINT TABLE
// =============================================================================

// PointTable maps tiers to points.
type PointTable map[Classification]int

// DefaultPointTable is HOLD 0, EFFORT 1, IDEA 4, EXCELLENT 8.
func DefaultPointTable() PointTable {
	return PointTable{
		ClassHold:      0,
		ClassEffort:    1,
		ClassIdea:      4,
		ClassExcellent: 8,
	}
}

// Points returns the value for a tier. ok is false when unclassified.
func (t PointTable) Points(c Classification) (int, bool) {
	p, ok := t[c]
	return p, ok
}

// PointsFor resolves a free-form label and returns its points.
func (t PointTable) PointsFor(label string) (int, bool) {
	c, ok := ParseClassification(label)
	if !ok {
		return 0, false
	}
	return t.Points(c)
}
