package app

import (
	"context"
	"fmt"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

// Term ids of the demo directory.
const (
	InterestTech   int64 = 101
	InterestSports int64 = 102
	InterestMusic  int64 = 103

	CategoryNews   int64 = 201
	CategoryPromos int64 = 202
)

type demoContact struct {
	contact    model.Contact
	interests  []int64
	categories []int64
}

var demoContacts = []demoContact{
	{model.Contact{ID: 1, Name: "Ana Souza", Phone: "+55 11 98765-4321"}, []int64{InterestTech, InterestMusic}, []int64{CategoryNews}},
	{model.Contact{ID: 2, Name: "Bruno Lima", Phone: "+5511912345678"}, []int64{InterestSports}, []int64{CategoryNews, CategoryPromos}},
	{model.Contact{ID: 3, Name: "Carla Mendes", Phone: "0049 151 23456789"}, []int64{InterestTech}, []int64{CategoryPromos}},
	{model.Contact{ID: 4, Name: "Diego Alves", Phone: "+1 (415) 555-0134"}, []int64{InterestMusic, InterestSports}, nil},
	{model.Contact{ID: 5, Name: "Eva Rocha", Phone: ""}, []int64{InterestTech}, []int64{CategoryNews}},
	{model.Contact{ID: 6, Name: "Felipe Costa", Phone: "+447700900123"}, nil, []int64{CategoryNews}},
}

// ContactWriter is the write side of the contact directory.
type ContactWriter interface {
	Upsert(ctx context.Context, c model.Contact, interests, categories []int64) error
}

// SeedContacts upserts the deterministic demo directory. Eva has no phone
// and is always dropped by the resolver.
func SeedContacts(ctx context.Context, w ContactWriter) error {
	for _, d := range demoContacts {
		if err := w.Upsert(ctx, d.contact, d.interests, d.categories); err != nil {
			return fmt.Errorf("contact %d: %w", d.contact.ID, err)
		}
	}
	return nil
}

// DemoContactCount is the size of the demo directory.
func DemoContactCount() int { return len(demoContacts) }
