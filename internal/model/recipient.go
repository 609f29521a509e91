package model

import "strings"

// Recipient is a contact with a provider-ready phone number.
type Recipient struct {
	ID    int64  `db:"id"    json:"id"`
	Name  string `db:"name"  json:"name"`
	Phone string `db:"phone" json:"phone"`
}

// Contact is a row of the external contact directory (read-only for the core).
type Contact struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Phone string `db:"phone"`
}

type SelectionMode string

const (
	SelectIndividual SelectionMode = "individual"
	SelectInterests  SelectionMode = "interests"
	SelectCategories SelectionMode = "categories"
	SelectAll        SelectionMode = "all"
)

func (m SelectionMode) String() string { return string(m) }

// ParseSelectionMode normalizes input; returns (mode, false) when unknown.
func ParseSelectionMode(raw string) (SelectionMode, bool) {
	m := SelectionMode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case SelectIndividual, SelectInterests, SelectCategories, SelectAll:
		return m, true
	}
	return m, false
}

// Selection is the recipient-selection request.
// Interests and Categories are applied together (AND across facets, OR within one).
type Selection struct {
	Mode       SelectionMode `json:"mode"`
	IDs        []int64       `json:"ids,omitempty"`
	Interests  []int64       `json:"interests,omitempty"`
	Categories []int64       `json:"categories,omitempty"`
}

// Term taxonomies of the contact directory.
const (
	TaxonomyInterest = "interest"
	TaxonomyCategory = "category"
)
