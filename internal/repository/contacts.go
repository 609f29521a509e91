package repository

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

// ContactsRepository reads the contact directory and its term memberships.
// The dispatch core never writes contacts; Upsert exists for seeding.
type ContactsRepository interface {
	ListByIDs(ctx context.Context, ids []int64) ([]model.Contact, error)
	// ListByTerms returns contacts holding at least one term of every
	// non-empty facet, ordered by id.
	ListByTerms(ctx context.Context, interests, categories []int64) ([]model.Contact, error)
	ListAll(ctx context.Context) ([]model.Contact, error)
	Upsert(ctx context.Context, c model.Contact, interests, categories []int64) error
}

type ContactsRepositoryImpl struct {
	db *sqlx.DB
}

func NewContactsRepository(db *sqlx.DB) *ContactsRepositoryImpl {
	return &ContactsRepositoryImpl{db: db}
}

const contactColumns = `c.id, c.name, COALESCE(c.phone, '') AS phone`

func (r *ContactsRepositoryImpl) ListByIDs(ctx context.Context, ids []int64) ([]model.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT `+contactColumns+` FROM contacts c WHERE c.id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []model.Contact
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, storeErr("list contacts by id", err)
	}
	return rows, nil
}

func (r *ContactsRepositoryImpl) ListByTerms(ctx context.Context, interests, categories []int64) ([]model.Contact, error) {
	const facet = ` AND EXISTS (
		SELECT 1 FROM contact_terms t
		WHERE t.contact_id = c.id AND t.taxonomy = ? AND t.term_id IN (?)
	)`
	q := `SELECT ` + contactColumns + ` FROM contacts c WHERE 1 = 1`
	var args []any
	if len(interests) > 0 {
		q += facet
		args = append(args, model.TaxonomyInterest, interests)
	}
	if len(categories) > 0 {
		q += facet
		args = append(args, model.TaxonomyCategory, categories)
	}
	q += ` ORDER BY c.id`

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}
	var rows []model.Contact
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, storeErr("list contacts by terms", err)
	}
	return rows, nil
}

func (r *ContactsRepositoryImpl) ListAll(ctx context.Context) ([]model.Contact, error) {
	var rows []model.Contact
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+contactColumns+` FROM contacts c ORDER BY c.id`); err != nil {
		return nil, storeErr("list contacts", err)
	}
	return rows, nil
}

func (r *ContactsRepositoryImpl) Upsert(ctx context.Context, c model.Contact, interests, categories []int64) error {
	const upsert = `
		INSERT INTO contacts (id, name, phone) VALUES (?, ?, NULLIF(?, ''))
		ON DUPLICATE KEY UPDATE name = VALUES(name), phone = VALUES(phone)
	`
	const term = `INSERT IGNORE INTO contact_terms (contact_id, taxonomy, term_id) VALUES (?, ?, ?)`
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert, c.ID, c.Name, c.Phone); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM contact_terms WHERE contact_id = ?`, c.ID); err != nil {
			return err
		}
		for _, id := range interests {
			if _, err := tx.ExecContext(ctx, term, c.ID, model.TaxonomyInterest, id); err != nil {
				return err
			}
		}
		for _, id := range categories {
			if _, err := tx.ExecContext(ctx, term, c.ID, model.TaxonomyCategory, id); err != nil {
				return err
			}
		}
		return nil
	})
}

type memContact struct {
	model.Contact
	interests  []int64
	categories []int64
}

// MemoryContacts is an in-process ContactsRepository.
type MemoryContacts struct {
	mu       sync.RWMutex
	contacts map[int64]memContact
}

func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{contacts: make(map[int64]memContact)}
}

func (m *MemoryContacts) Upsert(_ context.Context, c model.Contact, interests, categories []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = memContact{Contact: c, interests: slices.Clone(interests), categories: slices.Clone(categories)}
	return nil
}

func (m *MemoryContacts) ListByIDs(_ context.Context, ids []int64) ([]model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Contact
	for _, id := range ids {
		if c, ok := m.contacts[id]; ok {
			out = append(out, c.Contact)
		}
	}
	return out, nil
}

func (m *MemoryContacts) ListByTerms(_ context.Context, interests, categories []int64) ([]model.Contact, error) {
	return m.filter(func(c memContact) bool {
		if len(interests) > 0 && !overlaps(c.interests, interests) {
			return false
		}
		if len(categories) > 0 && !overlaps(c.categories, categories) {
			return false
		}
		return true
	}), nil
}

func (m *MemoryContacts) ListAll(_ context.Context) ([]model.Contact, error) {
	return m.filter(func(memContact) bool { return true }), nil
}

func (m *MemoryContacts) filter(keep func(memContact) bool) []model.Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Contact
	for _, c := range m.contacts {
		if keep(c) {
			out = append(out, c.Contact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func overlaps(have, want []int64) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

var (
	_ ContactsRepository = (*ContactsRepositoryImpl)(nil)
	_ ContactsRepository = (*MemoryContacts)(nil)
)
