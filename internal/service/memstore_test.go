package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/bansos-api/internal/models"
	"github.com/noah-isme/bansos-api/internal/repository"
)

// memStore is an in-memory stand-in for Postgres. Program and recipient
// scopes are serialized with mutexes the way row locks serialize them in the
// database, and writes only become visible when the callback succeeds.
type memStore struct {
	mu             sync.Mutex
	programLocks   map[string]*sync.Mutex
	recipientLocks map[string]*sync.Mutex
	programs       map[string]*models.Program
	recipients     map[string]*models.Recipient
	failures       []error
	completions    int
}

func newMemStore() *memStore {
	return &memStore{
		programLocks:   make(map[string]*sync.Mutex),
		recipientLocks: make(map[string]*sync.Mutex),
		programs:       make(map[string]*models.Program),
		recipients:     make(map[string]*models.Recipient),
	}
}

func (s *memStore) addProgram(p models.Program) *models.Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.ProgramStatusActive
	}
	s.programs[p.ID] = &p
	copied := p
	return &copied
}

func (s *memStore) program(id string) models.Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.programs[id]
}

func (s *memStore) recipient(id string) models.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

func (s *memStore) holding(programID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countHolding(programID)
}

func (s *memStore) countHolding(programID string) int {
	count := 0
	for _, r := range s.recipients {
		if r.ProgramID == programID && r.Status.HoldsSlot() {
			count++
		}
	}
	return count
}

// failNext makes the next scoped call return err before taking any lock.
func (s *memStore) failNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *memStore) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *memStore) lockFor(locks map[string]*sync.Mutex, id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := locks[id]
	if !ok {
		lock = &sync.Mutex{}
		locks[id] = lock
	}
	return lock
}

func (s *memStore) WithinProgram(ctx context.Context, programID string, fn func(tx repository.AllocationTx, program *models.Program) error) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	lock := s.lockFor(s.programLocks, programID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, ok := s.programs[programID]
	var snapshot models.Program
	if ok {
		snapshot = *current
	}
	s.mu.Unlock()
	if !ok {
		return sql.ErrNoRows
	}

	tx := &memTx{store: s}
	defer tx.release()
	if err := fn(tx, &snapshot); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *memStore) WithinRecipient(ctx context.Context, recipientID string, fn func(tx repository.AllocationTx, recipient *models.Recipient) error) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	tx := &memTx{store: s}
	defer tx.release()
	recipient, err := tx.LockRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	if err := fn(tx, recipient); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	store   *memStore
	pending []func()
	held    []*sync.Mutex
}

func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, apply := range t.pending {
		apply()
	}
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
}

func (t *memTx) CountHoldingSlots(ctx context.Context, programID string) (int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.countHolding(programID), nil
}

func (t *memTx) ActiveRecipientExists(ctx context.Context, programID, individualID string) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, r := range t.store.recipients {
		if r.ProgramID == programID && r.IndividualID == individualID && r.Status != models.RecipientStatusRejected {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertRecipient(ctx context.Context, recipient *models.Recipient) error {
	if recipient.ID == "" {
		recipient.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if recipient.EnrolledAt.IsZero() {
		recipient.EnrolledAt = now
	}
	recipient.CreatedAt = now
	recipient.UpdatedAt = now
	if recipient.Status == "" {
		recipient.Status = models.RecipientStatusQualified
	}
	copied := *recipient
	t.pending = append(t.pending, func() {
		t.store.recipients[copied.ID] = &copied
	})
	return nil
}

func (t *memTx) LockRecipient(ctx context.Context, id string) (*models.Recipient, error) {
	lock := t.store.lockFor(t.store.recipientLocks, id)
	lock.Lock()
	t.held = append(t.held, lock)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	current, ok := t.store.recipients[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *current
	return &copied, nil
}

func (t *memTx) UpdateRecipient(ctx context.Context, recipient *models.Recipient) error {
	recipient.UpdatedAt = time.Now().UTC()
	copied := *recipient
	t.pending = append(t.pending, func() {
		t.store.recipients[copied.ID] = &copied
	})
	return nil
}

func (t *memTx) CompleteProgram(ctx context.Context, programID string, at time.Time) error {
	t.pending = append(t.pending, func() {
		if p, ok := t.store.programs[programID]; ok && p.Status != models.ProgramStatusCompleted {
			p.Status = models.ProgramStatusCompleted
			p.UpdatedAt = at
			t.store.completions++
		}
	})
	return nil
}

func (t *memTx) UpdateProgram(ctx context.Context, program *models.Program) error {
	copied := *program
	t.pending = append(t.pending, func() {
		t.store.programs[copied.ID] = &copied
	})
	return nil
}

func (t *memTx) FindProgram(ctx context.Context, id string) (*models.Program, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.programs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *p
	return &copied, nil
}

// memPrograms exposes memStore through the program repository contract.
type memPrograms struct {
	*memStore
	listErr error
}

func (p *memPrograms) FindByID(ctx context.Context, id string) (*models.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	program, ok := p.programs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *program
	return &copied, nil
}

func (p *memPrograms) sorted() []models.Program {
	out := make([]models.Program, 0, len(p.programs))
	for _, program := range p.programs {
		out = append(out, *program)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *memPrograms) List(ctx context.Context, filter models.ProgramFilter) ([]models.Program, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Program
	for _, program := range p.sorted() {
		if filter.Status != "" && program.Status != filter.Status {
			continue
		}
		out = append(out, program)
	}
	return out, len(out), nil
}

func (p *memPrograms) ListOpen(ctx context.Context, now time.Time, afterID string, limit int) ([]models.Program, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Program
	for _, program := range p.sorted() {
		if program.ID <= afterID || program.Status != models.ProgramStatusActive {
			continue
		}
		if now.Before(program.ValidityStart) || now.After(program.ValidityEnd) {
			continue
		}
		out = append(out, program)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *memPrograms) Create(ctx context.Context, program *models.Program) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if program.ID == "" {
		program.ID = uuid.NewString()
	}
	copied := *program
	p.programs[copied.ID] = &copied
	return nil
}

func (p *memPrograms) MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	program, ok := p.programs[id]
	if !ok || program.Status == models.ProgramStatusCompleted || !now.After(program.ValidityEnd) {
		return false, nil
	}
	program.Status = models.ProgramStatusCompleted
	p.completions++
	return true, nil
}

func (p *memPrograms) CountHoldingSlots(ctx context.Context, programID string) (int, error) {
	return p.holding(programID), nil
}

// memRecipients exposes memStore through the recipient read contract.
type memRecipients struct {
	*memStore
}

func (r *memRecipients) FindByID(ctx context.Context, id string) (*models.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recipient, ok := r.recipients[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *recipient
	return &copied, nil
}

func (r *memRecipients) detail(recipient *models.Recipient) models.RecipientDetail {
	detail := models.RecipientDetail{Recipient: *recipient}
	if program, ok := r.programs[recipient.ProgramID]; ok {
		detail.ProgramName = program.Name
		detail.ProgramCategory = program.Category
	}
	return detail
}

func (r *memRecipients) FindDetailByID(ctx context.Context, id string) (*models.RecipientDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recipient, ok := r.recipients[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	detail := r.detail(recipient)
	return &detail, nil
}

func (r *memRecipients) List(ctx context.Context, filter models.RecipientFilter) ([]models.RecipientDetail, int, error) {
	all := r.scan(func(rec *models.Recipient) bool {
		return (filter.ProgramID == "" || rec.ProgramID == filter.ProgramID) &&
			(filter.Status == "" || rec.Status == filter.Status)
	}, nil, 0)
	return all, len(all), nil
}

func (r *memRecipients) ListByIndividual(ctx context.Context, individualID string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error) {
	return r.scan(func(rec *models.Recipient) bool { return rec.IndividualID == individualID }, after, limit), nil
}

func (r *memRecipients) ListByProgram(ctx context.Context, programID string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error) {
	return r.scan(func(rec *models.Recipient) bool { return rec.ProgramID == programID }, after, limit), nil
}

func (r *memRecipients) scan(match func(*models.Recipient) bool, after *models.RecipientCursor, limit int) []models.RecipientDetail {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*models.Recipient
	for _, rec := range r.recipients {
		if match(rec) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EnrolledAt.Equal(matched[j].EnrolledAt) {
			return matched[i].EnrolledAt.Before(matched[j].EnrolledAt)
		}
		return matched[i].ID < matched[j].ID
	})
	out := make([]models.RecipientDetail, 0)
	for _, rec := range matched {
		if after != nil {
			if rec.EnrolledAt.Before(after.EnrolledAt) || (rec.EnrolledAt.Equal(after.EnrolledAt) && rec.ID <= after.ID) {
				continue
			}
		}
		out = append(out, r.detail(rec))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
