package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/repository"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// effects collects what a ledger transaction produced for delivery after commit.
// It is rebuilt on every attempt since the store may retry the transaction.
type effects struct {
	notifications []model.Notification
	promoted      []model.Reservation
}

func (fx *effects) notify(ctx context.Context, tx repository.LedgerTx, n model.Notification) error {
	res, err := tx.InsertNotification(ctx, n)
	if err != nil {
		return err
	}
	fx.notifications = append(fx.notifications, res)
	return nil
}

func readyNotification(title model.Title, r model.Reservation) model.Notification {
	return model.Notification{
		PatronID:      r.PatronID,
		ReservationID: &r.ID,
		Kind:          model.NotificationReservationReady,
		Message:       fmt.Sprintf("%q is available for pickup.", title.Name),
	}
}

// settle promotes the oldest pending reservations into free copy slots and rewrites the
// availability cache. title must be locked by the caller.
func (s *Service) settle(ctx context.Context, tx repository.LedgerTx, title model.Title, fx *effects) (int, error) {
	u, err := tx.CountUsage(ctx, title.ID)
	if err != nil {
		return 0, err
	}
	for u.Pending > 0 && model.FreeSlots(title.TotalCopies, u) > 0 {
		next, err := tx.OldestPendingReservation(ctx, title.ID)
		if err != nil {
			return 0, err
		}
		if next == nil {
			break
		}
		r, err := tx.SetReservationStatus(ctx, next.ID, model.ReservationActive)
		if err != nil {
			return 0, err
		}
		u.Pending--
		u.Active++
		fx.promoted = append(fx.promoted, r)
		if err := fx.notify(ctx, tx, readyNotification(title, r)); err != nil {
			return 0, err
		}
	}
	available := model.RealAvailability(title.TotalCopies, u)
	if err := tx.SetAvailableCopies(ctx, title.ID, available); err != nil {
		return 0, err
	}
	return available, nil
}

func (s *Service) RequestLoan(ctx context.Context, actor model.Actor, req model.LoanRequest) (model.Loan, error) {
	if !actor.CanActFor(req.PatronID) {
		return model.Loan{}, errs.ErrPermissionDenied
	}
	today := s.today()
	due := today.AddDate(0, 0, s.policy.LoanGraceDays)
	if req.DueDate != nil {
		if !actor.IsAdmin() {
			return model.Loan{}, errors.Wrap(errs.ErrPermissionDenied, "due date override")
		}
		due = model.Day(*req.DueDate)
		if due.Before(today) {
			return model.Loan{}, errors.Wrap(errs.ErrInvalidDateRange, "due date is in the past")
		}
	}

	var loan model.Loan
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		title, err := tx.LockTitle(ctx, req.TitleID)
		if err != nil {
			return err
		}
		if _, err := tx.GetPatron(ctx, req.PatronID); err != nil {
			return err
		}
		if s.policy.BlockOnUnpaidFines {
			n, err := tx.CountUnpaidFines(ctx, req.PatronID)
			if err != nil {
				return err
			}
			if n > 0 {
				return errs.ErrUnpaidFines
			}
		}
		u, err := tx.CountUsage(ctx, title.ID)
		if err != nil {
			return err
		}
		hold, err := tx.FindActiveReservation(ctx, req.PatronID, title.ID)
		if err != nil {
			return err
		}
		if hold == nil && model.RealAvailability(title.TotalCopies, u) <= 0 {
			return errs.ErrNoCopiesAvailable
		}

		loan, err = tx.InsertLoan(ctx, model.Loan{
			PatronID: req.PatronID,
			TitleID:  title.ID,
			IssuedAt: s.now().UTC(),
			DueDate:  due,
		})
		if err != nil {
			return err
		}
		u.OpenLoans++
		if hold != nil {
			// the patron's own hold turns into the loan
			if _, err := tx.SetReservationStatus(ctx, hold.ID, model.ReservationFinalized); err != nil {
				return err
			}
			u.Active--
		}
		return tx.SetAvailableCopies(ctx, title.ID, model.RealAvailability(title.TotalCopies, u))
	})
	if err != nil {
		return model.Loan{}, err
	}
	s.log.Debug("loan issued", zap.Int64("loan_id", loan.ID), zap.Int64("title_id", loan.TitleID), zap.Int64("patron_id", loan.PatronID))
	return loan, nil
}

func (s *Service) ReturnLoan(ctx context.Context, actor model.Actor, loanID int64) (model.ReturnResult, error) {
	var (
		res model.ReturnResult
		fx  effects
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		res, fx = model.ReturnResult{}, effects{}
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !actor.CanActFor(loan.PatronID) {
			return errs.ErrPermissionDenied
		}
		title, err := tx.LockTitle(ctx, loan.TitleID)
		if err != nil {
			return err
		}
		if loan, err = tx.LockLoan(ctx, loanID); err != nil {
			return err
		}
		if loan.Returned {
			return errs.ErrAlreadyReturned
		}

		today := s.today()
		if res.Loan, err = tx.CloseLoan(ctx, loanID, today); err != nil {
			return err
		}
		res.LateDays = model.LateDays(loan.DueDate, today)

		note := model.Notification{
			PatronID: loan.PatronID,
			LoanID:   &loan.ID,
			Kind:     model.NotificationReturned,
			Message:  fmt.Sprintf("You returned %q on time. Thank you!", title.Name),
		}
		if res.LateDays > 0 {
			fine, err := s.chargeFine(ctx, tx, loan, res.LateDays*s.policy.DailyPenalty)
			if err != nil {
				return err
			}
			res.Fine = &fine
			if fine.Paid {
				// one fine per loan: lateness after payment is not charged again
				note.Message = fmt.Sprintf("You returned %q %d day(s) late. Your fine of %d is already paid.", title.Name, res.LateDays, fine.Amount)
			} else {
				note.Kind = model.NotificationFine
				note.Message = fmt.Sprintf("You have a fine of %d for returning %q %d day(s) late.", fine.Amount, title.Name, res.LateDays)
			}
		}
		if err := fx.notify(ctx, tx, note); err != nil {
			return err
		}

		if _, err := s.settle(ctx, tx, title, &fx); err != nil {
			return err
		}
		res.Promoted = fx.promoted
		return nil
	})
	if err != nil {
		return model.ReturnResult{}, err
	}
	s.deliver(ctx, fx.notifications)
	return res, nil
}

// chargeFine creates the loan's fine or brings an unpaid one up to amount.
func (s *Service) chargeFine(ctx context.Context, tx repository.LedgerTx, loan model.Loan, amount int64) (model.Fine, error) {
	existing, err := tx.FindFineByLoan(ctx, loan.ID)
	if err != nil {
		return model.Fine{}, err
	}
	if existing == nil {
		return tx.InsertFine(ctx, model.Fine{
			PatronID: loan.PatronID,
			LoanID:   &loan.ID,
			Amount:   amount,
		})
	}
	if existing.Paid || existing.Amount == amount {
		return *existing, nil
	}
	return tx.UpdateFineAmount(ctx, existing.ID, amount)
}

func (s *Service) RequestReservation(ctx context.Context, actor model.Actor, req model.ReservationRequest) (model.ReservationResult, error) {
	if !actor.CanActFor(req.PatronID) {
		return model.ReservationResult{}, errs.ErrPermissionDenied
	}
	start, end := model.Day(req.StartDate), model.Day(req.EndDate)
	if start.Before(s.today()) {
		return model.ReservationResult{}, errors.Wrap(errs.ErrInvalidDateRange, "start date is in the past")
	}
	if end.Before(start) {
		return model.ReservationResult{}, errors.Wrap(errs.ErrInvalidDateRange, "end date is before start date")
	}

	var (
		res model.ReservationResult
		fx  effects
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		res, fx = model.ReservationResult{}, effects{}
		title, err := tx.LockTitle(ctx, req.TitleID)
		if err != nil {
			return err
		}
		if _, err := tx.GetPatron(ctx, req.PatronID); err != nil {
			return err
		}
		u, err := tx.CountUsage(ctx, title.ID)
		if err != nil {
			return err
		}

		status := model.ReservationPending
		if model.RealAvailability(title.TotalCopies, u) > 0 {
			status = model.ReservationActive
		}
		r, err := tx.InsertReservation(ctx, model.Reservation{
			PatronID:  req.PatronID,
			TitleID:   title.ID,
			StartDate: start,
			EndDate:   end,
			Status:    status,
		})
		if err != nil {
			return err
		}
		res.Reservation = r
		res.Queued = status == model.ReservationPending
		if res.Queued {
			u.Pending++
		} else {
			u.Active++
			if err := fx.notify(ctx, tx, readyNotification(title, r)); err != nil {
				return err
			}
		}
		return tx.SetAvailableCopies(ctx, title.ID, model.RealAvailability(title.TotalCopies, u))
	})
	if err != nil {
		return model.ReservationResult{}, err
	}
	s.deliver(ctx, fx.notifications)
	return res, nil
}

// lockReservation reads the reservation, checks the actor may touch it and locks title then reservation.
func (s *Service) lockReservation(ctx context.Context, tx repository.LedgerTx, actor model.Actor, id int64) (model.Title, model.Reservation, error) {
	r, err := tx.GetReservation(ctx, id)
	if err != nil {
		return model.Title{}, model.Reservation{}, err
	}
	if !actor.CanActFor(r.PatronID) {
		return model.Title{}, model.Reservation{}, errs.ErrPermissionDenied
	}
	title, err := tx.LockTitle(ctx, r.TitleID)
	if err != nil {
		return model.Title{}, model.Reservation{}, err
	}
	r, err = tx.LockReservation(ctx, id)
	return title, r, err
}

func (s *Service) FinalizeReservation(ctx context.Context, actor model.Actor, id int64) (model.Reservation, error) {
	var (
		res model.Reservation
		fx  effects
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		fx = effects{}
		title, r, err := s.lockReservation(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if r.Status == model.ReservationFinalized {
			res = r
			return nil
		}
		if res, err = tx.SetReservationStatus(ctx, id, model.ReservationFinalized); err != nil {
			return err
		}
		_, err = s.settle(ctx, tx, title, &fx)
		return err
	})
	if err != nil {
		return model.Reservation{}, err
	}
	s.deliver(ctx, fx.notifications)
	return res, nil
}

func (s *Service) DeleteReservation(ctx context.Context, actor model.Actor, id int64) error {
	if !actor.IsAdmin() {
		return errs.ErrPermissionDenied
	}
	var fx effects
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		fx = effects{}
		title, _, err := s.lockReservation(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteReservation(ctx, id); err != nil {
			return err
		}
		_, err = s.settle(ctx, tx, title, &fx)
		return err
	})
	if err != nil {
		return err
	}
	s.deliver(ctx, fx.notifications)
	return nil
}

func (s *Service) PurgeReservations(ctx context.Context, actor model.Actor, filter model.PurgeFilter) (int64, error) {
	if !actor.IsAdmin() {
		return 0, errs.ErrPermissionDenied
	}
	if !filter.Valid() {
		return 0, errors.Errorf("unknown purge filter %q", filter)
	}
	var (
		count int64
		fx    effects
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		fx = effects{}
		titleIDs, err := tx.ReservationTitles(ctx, filter)
		if err != nil {
			return err
		}
		locked := make(map[int64]model.Title, len(titleIDs))
		for _, id := range titleIDs {
			if locked[id], err = tx.LockTitle(ctx, id); err != nil {
				return err
			}
		}
		var deletedFrom []int64
		if count, deletedFrom, err = tx.DeleteReservations(ctx, filter); err != nil {
			return err
		}
		// reservations inserted between listing and deleting touch titles not locked yet
		for _, id := range deletedFrom {
			if _, ok := locked[id]; ok {
				continue
			}
			if locked[id], err = tx.LockTitle(ctx, id); err != nil {
				return err
			}
			titleIDs = append(titleIDs, id)
		}
		for _, id := range titleIDs {
			if _, err := s.settle(ctx, tx, locked[id], &fx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.deliver(ctx, fx.notifications)
	s.log.Info("reservations purged", zap.String("filter", string(filter)), zap.Int64("count", count))
	return count, nil
}

func (s *Service) Restock(ctx context.Context, actor model.Actor, titleID int64, delta int) (model.Title, error) {
	res, _, err := s.restock(ctx, actor, "", titleID, delta)
	return res, err
}

// RestockEvent applies a broker restock event at most once per event id.
// applied is false when the id was seen before; an empty id is never deduplicated.
func (s *Service) RestockEvent(ctx context.Context, actor model.Actor, eventID string, titleID int64, delta int) (res model.Title, applied bool, err error) {
	return s.restock(ctx, actor, eventID, titleID, delta)
}

func (s *Service) restock(ctx context.Context, actor model.Actor, eventID string, titleID int64, delta int) (model.Title, bool, error) {
	if !actor.IsAdmin() {
		return model.Title{}, false, errs.ErrPermissionDenied
	}
	var (
		res     model.Title
		applied bool
		fx      effects
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		fx, applied = effects{}, false
		title, err := tx.LockTitle(ctx, titleID)
		if err != nil {
			return err
		}
		if eventID != "" {
			first, err := tx.RecordEvent(ctx, eventID)
			if err != nil {
				return err
			}
			if !first {
				res = title
				return nil
			}
		}
		if title.TotalCopies+delta < 0 {
			return errs.ErrInvalidCopies
		}
		if res, err = tx.AddTotalCopies(ctx, titleID, delta); err != nil {
			return err
		}
		applied = true
		res.AvailableCopies, err = s.settle(ctx, tx, res, &fx)
		return err
	})
	if err != nil {
		return model.Title{}, false, err
	}
	s.deliver(ctx, fx.notifications)
	if !applied {
		s.log.Info("restock event already applied", zap.String("event_id", eventID), zap.Int64("title_id", titleID))
		return res, false, nil
	}
	s.log.Info("title restocked", zap.Int64("title_id", titleID), zap.Int("delta", delta), zap.Int("total", res.TotalCopies))
	return res, true, nil
}

func (s *Service) InventorySnapshot(ctx context.Context, actor model.Actor) ([]model.InventoryRow, error) {
	if !actor.IsAdmin() {
		return nil, errs.ErrPermissionDenied
	}
	return s.ledger.InventorySnapshot(ctx)
}

// SweepOverdueFines charges every open overdue loan for its lateness so far and returns how many
// fines were created or changed. Each loan is settled in its own transaction.
func (s *Service) SweepOverdueFines(ctx context.Context, actor model.Actor) (int, error) {
	if !actor.IsAdmin() {
		return 0, errs.ErrPermissionDenied
	}
	today := s.today()
	loans, err := s.ledger.OverdueLoans(ctx, today)
	if err != nil {
		return 0, err
	}

	var (
		count   int
		created []model.Notification
	)
	defer func() { s.deliver(ctx, created) }()

	for _, l := range loans {
		var (
			changed bool
			note    *model.Notification
		)
		err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
			changed, note = false, nil
			title, err := tx.LockTitle(ctx, l.TitleID)
			if err != nil {
				return err
			}
			loan, err := tx.LockLoan(ctx, l.ID)
			if err != nil {
				return err
			}
			if loan.Returned {
				return nil
			}
			late := model.LateDays(loan.DueDate, today)
			if late == 0 {
				return nil
			}
			amount := late * s.policy.DailyPenalty

			existing, err := tx.FindFineByLoan(ctx, loan.ID)
			if err != nil {
				return err
			}
			var fine model.Fine
			switch {
			case existing == nil:
				fine, err = tx.InsertFine(ctx, model.Fine{PatronID: loan.PatronID, LoanID: &loan.ID, Amount: amount})
				changed = true
			case existing.Paid:
				return nil
			case existing.Amount != amount:
				fine, err = tx.UpdateFineAmount(ctx, existing.ID, amount)
				changed = true
			default:
				fine = *existing
			}
			if err != nil {
				return err
			}

			n, upserted, err := tx.UpsertOverdueNotification(ctx, model.Notification{
				PatronID: loan.PatronID,
				LoanID:   &loan.ID,
				Kind:     model.NotificationOverdue,
				Message:  fmt.Sprintf("You have a fine of %d for %q, %d day(s) overdue.", fine.Amount, title.Name, late),
			})
			if err != nil {
				return err
			}
			if upserted {
				note = &n
			}
			return nil
		})
		if err != nil {
			return count, errors.Wrapf(err, "sweep loan %d", l.ID)
		}
		if changed {
			count++
		}
		if note != nil {
			created = append(created, *note)
		}
	}
	s.log.Info("overdue sweep", zap.Time("day", today), zap.Int("loans", len(loans)), zap.Int("fines", count))
	return count, nil
}

// PurgeLoans deletes loans. Admins may delete any loan, open ones give their copy back;
// patrons may only delete their own returned loans. An empty ids deletes everything the actor may delete.
func (s *Service) PurgeLoans(ctx context.Context, actor model.Actor, ids []int64) (int64, error) {
	if !actor.IsAdmin() && actor.PatronID == 0 {
		return 0, errs.ErrPermissionDenied
	}
	var (
		count int64
		fx    effects
	)
	err := s.ledger.InTx(ctx, func(tx repository.LedgerTx) error {
		fx = effects{}
		var scope int64
		if !actor.IsAdmin() && len(ids) == 0 {
			scope = actor.PatronID
		}
		loans, err := tx.FindLoans(ctx, ids, scope)
		if err != nil {
			return err
		}
		if len(ids) > 0 && len(loans) != len(uniqueIDs(ids)) {
			return errors.Wrap(errs.ErrNotFound, "loan")
		}

		var (
			toDelete []int64
			titleIDs []int64
			seen     = map[int64]bool{}
		)
		for _, l := range loans {
			if !actor.IsAdmin() {
				if l.PatronID != actor.PatronID {
					return errs.ErrPermissionDenied
				}
				if !l.Returned {
					if len(ids) > 0 {
						return errors.Wrap(errs.ErrPermissionDenied, "loan is still open")
					}
					continue
				}
			}
			toDelete = append(toDelete, l.ID)
			if !l.Returned && !seen[l.TitleID] {
				seen[l.TitleID] = true
				titleIDs = append(titleIDs, l.TitleID)
			}
		}

		titles := make([]model.Title, 0, len(titleIDs))
		for _, id := range sortIDs(titleIDs) {
			t, err := tx.LockTitle(ctx, id)
			if err != nil {
				return err
			}
			titles = append(titles, t)
		}
		if count, err = tx.DeleteLoans(ctx, toDelete); err != nil {
			return err
		}
		for _, t := range titles {
			if _, err := s.settle(ctx, tx, t, &fx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.deliver(ctx, fx.notifications)
	return count, nil
}

func uniqueIDs(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func sortIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
