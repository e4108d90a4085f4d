// Package memory is an in-process ledger store. InTx holds a store-wide lock for the whole
// transaction and restores the previous state when fn fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/repository"
	"github.com/pkg/errors"
)

type state struct {
	titles        map[int64]model.Title
	patrons       map[int64]model.Patron
	loans         map[int64]model.Loan
	reservations  map[int64]model.Reservation
	fines         map[int64]model.Fine
	notifications map[int64]model.Notification
	events        map[string]struct{}
	seq           int64
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() state {
	return state{
		titles:        cloneMap(s.titles),
		patrons:       cloneMap(s.patrons),
		loans:         cloneMap(s.loans),
		reservations:  cloneMap(s.reservations),
		fines:         cloneMap(s.fines),
		notifications: cloneMap(s.notifications),
		events:        cloneMap(s.events),
		seq:           s.seq,
	}
}

type Store struct {
	mu  sync.Mutex
	st  state
	now func() time.Time
}

var _ repository.Ledger = (*Store)(nil)

func New() *Store {
	return &Store{
		st: state{
			titles:        map[int64]model.Title{},
			patrons:       map[int64]model.Patron{},
			loans:         map[int64]model.Loan{},
			reservations:  map[int64]model.Reservation{},
			fines:         map[int64]model.Fine{},
			notifications: map[int64]model.Notification{},
			events:        map[string]struct{}{},
		},
		now: time.Now,
	}
}

func (s *Store) nextID() int64 {
	s.st.seq++
	return s.st.seq
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.st.clone()
	if err := fn(&tx{s: s}); err != nil {
		s.st = saved
		return err
	}
	return nil
}

func (s *Store) InventorySnapshot(_ context.Context) ([]model.InventoryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]model.InventoryRow, 0, len(s.st.titles))
	for _, t := range s.st.titles {
		u := s.usage(t.ID)
		rows = append(rows, model.InventoryRow{
			TitleID:          t.ID,
			Name:             t.Name,
			TotalCopies:      t.TotalCopies,
			OpenLoans:        u.OpenLoans,
			Reservations:     u.Holds(),
			RealAvailability: model.RealAvailability(t.TotalCopies, u),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TitleID < rows[j].TitleID })
	return rows, nil
}

func (s *Store) OverdueLoans(_ context.Context, today time.Time) ([]model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Loan
	for _, l := range s.st.loans {
		if !l.Returned && l.DueDate.Before(today) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) usage(titleID int64) model.Usage {
	var u model.Usage
	for _, l := range s.st.loans {
		if l.TitleID == titleID && !l.Returned {
			u.OpenLoans++
		}
	}
	for _, r := range s.st.reservations {
		if r.TitleID != titleID {
			continue
		}
		switch r.Status {
		case model.ReservationActive:
			u.Active++
		case model.ReservationPending:
			u.Pending++
		}
	}
	return u
}

// AddTitle seeds a title with every copy available.
func (s *Store) AddTitle(name string, totalCopies int) model.Title {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := model.Title{
		ID:              s.nextID(),
		Name:            name,
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		Pages:           1,
		CreatedAt:       s.now(),
	}
	s.st.titles[t.ID] = t
	return t
}

func (s *Store) AddPatron(externalID string, role model.Role) model.Patron {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := model.Patron{
		ID:           s.nextID(),
		ExternalID:   externalID,
		FirstName:    externalID,
		Email:        externalID + "@example.org",
		Role:         role,
		RegisteredAt: s.now(),
	}
	s.st.patrons[p.ID] = p
	return p
}

func (s *Store) Title(id int64) (model.Title, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.titles[id]
	return t, ok
}

func (s *Store) Loan(id int64) (model.Loan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.loans[id]
	return l, ok
}

func (s *Store) Reservation(id int64) (model.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reservations[id]
	return r, ok
}

func sortedValues[V any](m map[int64]V) []V {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func (s *Store) Loans() []model.Loan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.st.loans)
}

func (s *Store) Fines() []model.Fine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.st.fines)
}

func (s *Store) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.st.notifications)
}

// SetFinePaid marks a fine as settled outside the ledger.
func (s *Store) SetFinePaid(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.st.fines[id]
	f.Paid = true
	s.st.fines[id] = f
}

// tx runs with Store.mu held by InTx.
type tx struct {
	s *Store
}

func notFound(what string) error { return errors.Wrap(errs.ErrNotFound, what) }

func (t *tx) LockTitle(_ context.Context, titleID int64) (model.Title, error) {
	title, ok := t.s.st.titles[titleID]
	if !ok {
		return model.Title{}, notFound("title")
	}
	return title, nil
}

func (t *tx) CountUsage(_ context.Context, titleID int64) (model.Usage, error) {
	return t.s.usage(titleID), nil
}

func (t *tx) SetAvailableCopies(_ context.Context, titleID int64, n int) error {
	title, ok := t.s.st.titles[titleID]
	if !ok {
		return notFound("title")
	}
	if n < 0 {
		return errors.New("available_copies check violated")
	}
	title.AvailableCopies = n
	t.s.st.titles[titleID] = title
	return nil
}

func (t *tx) AddTotalCopies(_ context.Context, titleID int64, delta int) (model.Title, error) {
	title, ok := t.s.st.titles[titleID]
	if !ok {
		return model.Title{}, notFound("title")
	}
	if title.TotalCopies+delta < 0 {
		return model.Title{}, errors.New("total_copies check violated")
	}
	title.TotalCopies += delta
	t.s.st.titles[titleID] = title
	return title, nil
}

func (t *tx) RecordEvent(_ context.Context, eventID string) (bool, error) {
	if _, ok := t.s.st.events[eventID]; ok {
		return false, nil
	}
	t.s.st.events[eventID] = struct{}{}
	return true, nil
}

func (t *tx) GetPatron(_ context.Context, patronID int64) (model.Patron, error) {
	p, ok := t.s.st.patrons[patronID]
	if !ok {
		return model.Patron{}, notFound("patron")
	}
	return p, nil
}

func (t *tx) CountUnpaidFines(_ context.Context, patronID int64) (int, error) {
	n := 0
	for _, f := range t.s.st.fines {
		if f.PatronID == patronID && !f.Paid && f.Amount > 0 {
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertLoan(_ context.Context, l model.Loan) (model.Loan, error) {
	if _, ok := t.s.st.patrons[l.PatronID]; !ok {
		return model.Loan{}, notFound("insert loan")
	}
	if _, ok := t.s.st.titles[l.TitleID]; !ok {
		return model.Loan{}, notFound("insert loan")
	}
	l.ID = t.s.nextID()
	l.Returned = false
	l.ReturnDate = nil
	t.s.st.loans[l.ID] = l
	return l, nil
}

func (t *tx) GetLoan(_ context.Context, id int64) (model.Loan, error) {
	l, ok := t.s.st.loans[id]
	if !ok {
		return model.Loan{}, notFound("loan")
	}
	return l, nil
}

func (t *tx) LockLoan(ctx context.Context, id int64) (model.Loan, error) {
	return t.GetLoan(ctx, id)
}

func (t *tx) CloseLoan(_ context.Context, id int64, returnDate time.Time) (model.Loan, error) {
	l, ok := t.s.st.loans[id]
	if !ok {
		return model.Loan{}, notFound("loan")
	}
	if l.Returned {
		return model.Loan{}, errs.ErrAlreadyReturned
	}
	l.Returned = true
	l.ReturnDate = &returnDate
	t.s.st.loans[id] = l
	return l, nil
}

func (t *tx) FindLoans(_ context.Context, ids []int64, patronID int64) ([]model.Loan, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Loan
	for _, l := range sortedValues(t.s.st.loans) {
		if len(ids) > 0 && !want[l.ID] {
			continue
		}
		if patronID != 0 && l.PatronID != patronID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *tx) DeleteLoans(_ context.Context, ids []int64) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := t.s.st.loans[id]; !ok {
			continue
		}
		delete(t.s.st.loans, id)
		n++
		for fid, f := range t.s.st.fines {
			if f.LoanID != nil && *f.LoanID == id {
				delete(t.s.st.fines, fid)
			}
		}
		for nid, nt := range t.s.st.notifications {
			if nt.LoanID != nil && *nt.LoanID == id {
				delete(t.s.st.notifications, nid)
			}
		}
	}
	return n, nil
}

func (t *tx) FindFineByLoan(_ context.Context, loanID int64) (*model.Fine, error) {
	for _, f := range t.s.st.fines {
		if f.LoanID != nil && *f.LoanID == loanID {
			f := f
			return &f, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertFine(ctx context.Context, f model.Fine) (model.Fine, error) {
	if f.LoanID != nil {
		if existing, _ := t.FindFineByLoan(ctx, *f.LoanID); existing != nil {
			return model.Fine{}, errors.Wrap(errs.ErrConflict, "insert fine")
		}
	}
	now := t.s.now()
	f.ID = t.s.nextID()
	f.CreatedAt, f.UpdatedAt = now, now
	t.s.st.fines[f.ID] = f
	return f, nil
}

func (t *tx) UpdateFineAmount(_ context.Context, id, amount int64) (model.Fine, error) {
	f, ok := t.s.st.fines[id]
	if !ok {
		return model.Fine{}, notFound("fine")
	}
	f.Amount = amount
	f.UpdatedAt = t.s.now()
	t.s.st.fines[id] = f
	return f, nil
}

func (t *tx) InsertNotification(_ context.Context, n model.Notification) (model.Notification, error) {
	if n.Kind == model.NotificationOverdue && n.LoanID != nil {
		for _, existing := range t.s.st.notifications {
			if existing.Kind == model.NotificationOverdue && existing.LoanID != nil && *existing.LoanID == *n.LoanID {
				return model.Notification{}, errors.Wrap(errs.ErrConflict, "insert notification")
			}
		}
	}
	n.ID = t.s.nextID()
	n.Read = false
	n.CreatedAt = t.s.now()
	t.s.st.notifications[n.ID] = n
	return n, nil
}

func (t *tx) UpsertOverdueNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	for id, existing := range t.s.st.notifications {
		if existing.Kind != model.NotificationOverdue || existing.LoanID == nil || n.LoanID == nil || *existing.LoanID != *n.LoanID {
			continue
		}
		if existing.Message == n.Message {
			return model.Notification{}, false, nil
		}
		existing.Message = n.Message
		existing.Read = false
		t.s.st.notifications[id] = existing
		return existing, true, nil
	}
	n.Kind = model.NotificationOverdue
	res, err := t.InsertNotification(ctx, n)
	if err != nil {
		return model.Notification{}, false, err
	}
	return res, true, nil
}

func (t *tx) InsertReservation(_ context.Context, r model.Reservation) (model.Reservation, error) {
	if _, ok := t.s.st.patrons[r.PatronID]; !ok {
		return model.Reservation{}, notFound("insert reservation")
	}
	if _, ok := t.s.st.titles[r.TitleID]; !ok {
		return model.Reservation{}, notFound("insert reservation")
	}
	r.ID = t.s.nextID()
	r.CreatedAt = t.s.now()
	t.s.st.reservations[r.ID] = r
	return r, nil
}

func (t *tx) GetReservation(_ context.Context, id int64) (model.Reservation, error) {
	r, ok := t.s.st.reservations[id]
	if !ok {
		return model.Reservation{}, notFound("reservation")
	}
	return r, nil
}

func (t *tx) LockReservation(ctx context.Context, id int64) (model.Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *tx) firstReservation(match func(model.Reservation) bool) *model.Reservation {
	for _, r := range sortedValues(t.s.st.reservations) {
		if match(r) {
			r := r
			return &r
		}
	}
	return nil
}

func (t *tx) FindActiveReservation(_ context.Context, patronID, titleID int64) (*model.Reservation, error) {
	return t.firstReservation(func(r model.Reservation) bool {
		return r.PatronID == patronID && r.TitleID == titleID && r.Status == model.ReservationActive
	}), nil
}

func (t *tx) OldestPendingReservation(_ context.Context, titleID int64) (*model.Reservation, error) {
	return t.firstReservation(func(r model.Reservation) bool {
		return r.TitleID == titleID && r.Status == model.ReservationPending
	}), nil
}

func (t *tx) SetReservationStatus(_ context.Context, id int64, status model.ReservationStatus) (model.Reservation, error) {
	r, ok := t.s.st.reservations[id]
	if !ok {
		return model.Reservation{}, notFound("reservation")
	}
	r.Status = status
	t.s.st.reservations[id] = r
	return r, nil
}

func (t *tx) DeleteReservation(_ context.Context, id int64) error {
	if _, ok := t.s.st.reservations[id]; !ok {
		return notFound("reservation")
	}
	delete(t.s.st.reservations, id)
	t.detachReservation(id)
	return nil
}

func (t *tx) detachReservation(id int64) {
	for nid, n := range t.s.st.notifications {
		if n.ReservationID != nil && *n.ReservationID == id {
			n.ReservationID = nil
			t.s.st.notifications[nid] = n
		}
	}
}

func purgeMatch(filter model.PurgeFilter, r model.Reservation) bool {
	return filter != model.PurgeFinalized || r.Status == model.ReservationFinalized
}

func (t *tx) ReservationTitles(_ context.Context, filter model.PurgeFilter) ([]int64, error) {
	seen := map[int64]bool{}
	var ids []int64
	for _, r := range t.s.st.reservations {
		if purgeMatch(filter, r) && !seen[r.TitleID] {
			seen[r.TitleID] = true
			ids = append(ids, r.TitleID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) DeleteReservations(ctx context.Context, filter model.PurgeFilter) (int64, []int64, error) {
	titleIDs, _ := t.ReservationTitles(ctx, filter)
	var n int64
	for id, r := range t.s.st.reservations {
		if purgeMatch(filter, r) {
			delete(t.s.st.reservations, id)
			t.detachReservation(id)
			n++
		}
	}
	return n, titleIDs, nil
}
