// Package recipient resolves a selection request into a phone-validated
// recipient list. It never writes.
package recipient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
	"github.com/jmehdipour/dispatch-batch/internal/util"
)

type Resolver struct {
	contacts       repository.ContactsRepository
	defaultCountry string
	log            *zap.Logger
}

// New builds a resolver. defaultCountry (digits only, e.g. "49") is used to
// complete national numbers; empty disables that.
func New(contacts repository.ContactsRepository, defaultCountry string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{contacts: contacts, defaultCountry: defaultCountry, log: log.Named("resolver")}
}

// Resolve maps sel to recipients. Contacts without a valid phone are
// dropped silently; an unknown mode or an empty facet selection is
// ErrInvalidInput.
func (r *Resolver) Resolve(ctx context.Context, sel model.Selection) ([]model.Recipient, error) {
	mode, ok := model.ParseSelectionMode(sel.Mode.String())
	if !ok {
		return nil, fmt.Errorf("%w: unknown selection mode %q", model.ErrInvalidInput, sel.Mode)
	}

	var (
		contacts []model.Contact
		err      error
	)
	switch mode {
	case model.SelectIndividual:
		ids := uniqueIDs(sel.IDs)
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: no recipient ids", model.ErrInvalidInput)
		}
		contacts, err = r.contacts.ListByIDs(ctx, ids)
		if err == nil {
			contacts = inOrder(ids, contacts)
		}
	case model.SelectInterests, model.SelectCategories:
		interests, categories := uniqueIDs(sel.Interests), uniqueIDs(sel.Categories)
		if len(interests) == 0 && len(categories) == 0 {
			return nil, fmt.Errorf("%w: no interests or categories selected", model.ErrInvalidInput)
		}
		contacts, err = r.contacts.ListByTerms(ctx, interests, categories)
	case model.SelectAll:
		contacts, err = r.contacts.ListAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mode, err)
	}

	out := make([]model.Recipient, 0, len(contacts))
	dropped := 0
	for _, c := range contacts {
		phone := util.NormalizePhone(c.Phone, r.defaultCountry)
		if !util.ValidPhone(phone) {
			dropped++
			continue
		}
		out = append(out, model.Recipient{ID: c.ID, Name: c.Name, Phone: phone})
	}

	r.log.Debug("recipients resolved",
		zap.String("mode", mode.String()),
		zap.Int("matched", len(contacts)),
		zap.Int("dropped", dropped),
		zap.Int("resolved", len(out)),
	)
	return out, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// inOrder arranges contacts in the order of ids, skipping unknown ids.
func inOrder(ids []int64, contacts []model.Contact) []model.Contact {
	byID := make(map[int64]model.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}
	out := make([]model.Contact, 0, len(contacts))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
