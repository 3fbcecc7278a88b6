package store

import (
	"testing"

	"gorm.io/datatypes"
)

func TestSearchableTags(t *testing.T) {
	cases := []struct {
		name string
		tags datatypes.JSON
		want string
	}{
		{"nil", nil, ""},
		{"empty", datatypes.JSON(``), ""},
		{"single", datatypes.JSON(`["allergy"]`), "allergy"},
		{"multiple", datatypes.JSON(`["allergy","peanuts","health"]`), "allergy peanuts health"},
		// Anything that is not a string array still contributes its words.
		{"object", datatypes.JSON(`{"topic":"travel"}`), `topic   travel`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := searchableTags(c.tags); got != c.want {
				t.Errorf("searchableTags(%s) = %q, want %q", c.tags, got, c.want)
			}
		})
	}
}
