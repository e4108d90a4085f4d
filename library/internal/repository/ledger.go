package repository

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/pkg/retry"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	titlesTableName        = `titles`
	loansTableName         = `loans`
	reservationsTableName  = `reservations`
	finesTableName         = `fines`
	notificationsTableName = `notifications`
	patronsTableName       = `patrons`
)

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	titleColumns        = `id, name, isbn, author_id, category_id, publisher_id, published_at, pages, total_copies, available_copies, created_at`
	loanColumns         = `id, patron_id, title_id, issued_at, due_date, return_date, returned`
	reservationColumns  = `id, patron_id, title_id, start_date, end_date, status, created_at`
	fineColumns         = `id, patron_id, loan_id, amount, paid, created_at, updated_at`
	notificationColumns = `id, patron_id, loan_id, reservation_id, kind, message, read, created_at`
	patronColumns       = `id, external_id, first_name, last_name, email, role, registered_at`
)

type ledger struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ Ledger = (*ledger)(nil)

func NewLedger(pool *pgxpool.Pool, log *zap.Logger) *ledger {
	return &ledger{
		pool: pool,
		log:  log.Named("ledger"),
	}
}

func (l *ledger) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	attempt := 0
	return retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(&ledgerTx{tx: tx})
		})
		if isRetryable(err) {
			l.log.Warn("ledger tx aborted, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, retry.WithRetryIf(isRetryable))
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// mapPgErr turns driver errors into the service error set, leaving anything else as is.
func mapPgErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(errs.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return errors.Wrap(errs.ErrConflict, what)
		case pgerrcode.ForeignKeyViolation:
			return errors.Wrap(errs.ErrNotFound, what)
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return err
		}
	}
	return errors.Wrap(err, what)
}

func (l *ledger) InventorySnapshot(ctx context.Context) ([]model.InventoryRow, error) {
	q := `
select t.id as title_id,
       t.name,
       t.total_copies,
       (select count(*) from loans l where l.title_id = t.id and not l.returned)::int as open_loans,
       (select count(*) from reservations r where r.title_id = t.id and r.status in ('pending', 'active'))::int as reservations
from titles t
order by t.id`
	rows, err := l.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "inventory snapshot")
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.InventoryRow])
	if err != nil {
		return nil, errors.Wrap(err, "inventory snapshot")
	}
	for i := range items {
		items[i].RealAvailability = model.RealAvailability(items[i].TotalCopies, model.Usage{
			OpenLoans: items[i].OpenLoans,
			Pending:   items[i].Reservations,
		})
	}
	return items, nil
}

func (l *ledger) OverdueLoans(ctx context.Context, today time.Time) ([]model.Loan, error) {
	query, args, err := qb.Select(loanColumns).
		From(loansTableName).
		Where(sq.Eq{"returned": false}).
		Where(sq.Lt{"due_date": today}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "overdue loans")
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Loan])
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) LockTitle(ctx context.Context, titleID int64) (model.Title, error) {
	rows, err := t.tx.Query(ctx, `select `+titleColumns+` from titles where id = $1 for update`, titleID)
	if err != nil {
		return model.Title{}, mapPgErr(err, "lock title")
	}
	title, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Title])
	return title, mapPgErr(err, "title")
}

func (t *ledgerTx) CountUsage(ctx context.Context, titleID int64) (model.Usage, error) {
	q := `
select (select count(*) from loans where title_id = $1 and not returned)::int,
       (select count(*) from reservations where title_id = $1 and status = 'active')::int,
       (select count(*) from reservations where title_id = $1 and status = 'pending')::int`
	var u model.Usage
	err := t.tx.QueryRow(ctx, q, titleID).Scan(&u.OpenLoans, &u.Active, &u.Pending)
	return u, mapPgErr(err, "count usage")
}

func (t *ledgerTx) SetAvailableCopies(ctx context.Context, titleID int64, n int) error {
	_, err := t.tx.Exec(ctx, `update titles set available_copies = $2 where id = $1`, titleID, n)
	return mapPgErr(err, "set available copies")
}

func (t *ledgerTx) AddTotalCopies(ctx context.Context, titleID int64, delta int) (model.Title, error) {
	rows, err := t.tx.Query(ctx,
		`update titles set total_copies = total_copies + $2 where id = $1 returning `+titleColumns, titleID, delta)
	if err != nil {
		return model.Title{}, mapPgErr(err, "add total copies")
	}
	title, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Title])
	return title, mapPgErr(err, "title")
}

func (t *ledgerTx) RecordEvent(ctx context.Context, eventID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`insert into applied_events (event_id) values ($1) on conflict (event_id) do nothing`, eventID)
	if err != nil {
		return false, mapPgErr(err, "record event")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) GetPatron(ctx context.Context, patronID int64) (model.Patron, error) {
	rows, err := t.tx.Query(ctx, `select `+patronColumns+` from patrons where id = $1`, patronID)
	if err != nil {
		return model.Patron{}, mapPgErr(err, "get patron")
	}
	p, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Patron])
	return p, mapPgErr(err, "patron")
}

func (t *ledgerTx) CountUnpaidFines(ctx context.Context, patronID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `select count(*)::int from fines where patron_id = $1 and not paid and amount > 0`, patronID).Scan(&n)
	return n, mapPgErr(err, "count unpaid fines")
}

func (t *ledgerTx) InsertLoan(ctx context.Context, l model.Loan) (model.Loan, error) {
	q := `
insert into loans (patron_id, title_id, issued_at, due_date)
values (@patron_id, @title_id, @issued_at, @due_date)
returning ` + loanColumns
	rows, err := t.tx.Query(ctx, q, pgx.NamedArgs{
		"patron_id": l.PatronID,
		"title_id":  l.TitleID,
		"issued_at": l.IssuedAt,
		"due_date":  l.DueDate,
	})
	if err != nil {
		return model.Loan{}, mapPgErr(err, "insert loan")
	}
	loan, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Loan])
	return loan, mapPgErr(err, "insert loan")
}

func (t *ledgerTx) getLoan(ctx context.Context, id int64, lock bool) (model.Loan, error) {
	q := `select ` + loanColumns + ` from loans where id = $1`
	if lock {
		q += ` for update`
	}
	rows, err := t.tx.Query(ctx, q, id)
	if err != nil {
		return model.Loan{}, mapPgErr(err, "get loan")
	}
	loan, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Loan])
	return loan, mapPgErr(err, "loan")
}

func (t *ledgerTx) GetLoan(ctx context.Context, id int64) (model.Loan, error) {
	return t.getLoan(ctx, id, false)
}

func (t *ledgerTx) LockLoan(ctx context.Context, id int64) (model.Loan, error) {
	return t.getLoan(ctx, id, true)
}

func (t *ledgerTx) CloseLoan(ctx context.Context, id int64, returnDate time.Time) (model.Loan, error) {
	rows, err := t.tx.Query(ctx,
		`update loans set returned = true, return_date = $2 where id = $1 and not returned returning `+loanColumns, id, returnDate)
	if err != nil {
		return model.Loan{}, mapPgErr(err, "close loan")
	}
	loan, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Loan])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Loan{}, errs.ErrAlreadyReturned
	}
	return loan, mapPgErr(err, "close loan")
}

func (t *ledgerTx) FindLoans(ctx context.Context, ids []int64, patronID int64) ([]model.Loan, error) {
	b := qb.Select(loanColumns).From(loansTableName).OrderBy("id")
	if len(ids) > 0 {
		b = b.Where(sq.Eq{"id": ids})
	}
	if patronID != 0 {
		b = b.Where(sq.Eq{"patron_id": patronID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgErr(err, "find loans")
	}
	loans, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Loan])
	return loans, mapPgErr(err, "find loans")
}

func (t *ledgerTx) DeleteLoans(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := qb.Delete(loansTableName).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapPgErr(err, "delete loans")
	}
	return tag.RowsAffected(), nil
}

func (t *ledgerTx) FindFineByLoan(ctx context.Context, loanID int64) (*model.Fine, error) {
	rows, err := t.tx.Query(ctx, `select `+fineColumns+` from fines where loan_id = $1 for update`, loanID)
	if err != nil {
		return nil, mapPgErr(err, "find fine")
	}
	fine, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Fine])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgErr(err, "find fine")
	}
	return &fine, nil
}

func (t *ledgerTx) InsertFine(ctx context.Context, f model.Fine) (model.Fine, error) {
	q := `
insert into fines (patron_id, loan_id, amount, paid)
values (@patron_id, @loan_id, @amount, @paid)
returning ` + fineColumns
	rows, err := t.tx.Query(ctx, q, pgx.NamedArgs{
		"patron_id": f.PatronID,
		"loan_id":   f.LoanID,
		"amount":    f.Amount,
		"paid":      f.Paid,
	})
	if err != nil {
		return model.Fine{}, mapPgErr(err, "insert fine")
	}
	fine, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Fine])
	return fine, mapPgErr(err, "insert fine")
}

func (t *ledgerTx) UpdateFineAmount(ctx context.Context, id, amount int64) (model.Fine, error) {
	rows, err := t.tx.Query(ctx,
		`update fines set amount = $2, updated_at = now() where id = $1 returning `+fineColumns, id, amount)
	if err != nil {
		return model.Fine{}, mapPgErr(err, "update fine")
	}
	fine, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Fine])
	return fine, mapPgErr(err, "fine")
}

func (t *ledgerTx) InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	q := `
insert into notifications (patron_id, loan_id, reservation_id, kind, message)
values (@patron_id, @loan_id, @reservation_id, @kind, @message)
returning ` + notificationColumns
	rows, err := t.tx.Query(ctx, q, pgx.NamedArgs{
		"patron_id":      n.PatronID,
		"loan_id":        n.LoanID,
		"reservation_id": n.ReservationID,
		"kind":           n.Kind,
		"message":        n.Message,
	})
	if err != nil {
		return model.Notification{}, mapPgErr(err, "insert notification")
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Notification])
	return res, mapPgErr(err, "insert notification")
}

func (t *ledgerTx) UpsertOverdueNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	// no row comes back when the stored message is already current
	q := `
insert into notifications (patron_id, loan_id, kind, message)
values (@patron_id, @loan_id, 'overdue', @message)
on conflict (loan_id) where kind = 'overdue'
do update set message = excluded.message, read = false
where notifications.message <> excluded.message
returning ` + notificationColumns
	rows, err := t.tx.Query(ctx, q, pgx.NamedArgs{
		"patron_id": n.PatronID,
		"loan_id":   n.LoanID,
		"message":   n.Message,
	})
	if err != nil {
		return model.Notification{}, false, mapPgErr(err, "upsert overdue notification")
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Notification])
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, false, nil
	}
	if err != nil {
		return model.Notification{}, false, mapPgErr(err, "upsert overdue notification")
	}
	return res, true, nil
}

func (t *ledgerTx) InsertReservation(ctx context.Context, r model.Reservation) (model.Reservation, error) {
	q := `
insert into reservations (patron_id, title_id, start_date, end_date, status)
values (@patron_id, @title_id, @start_date, @end_date, @status)
returning ` + reservationColumns
	rows, err := t.tx.Query(ctx, q, pgx.NamedArgs{
		"patron_id":  r.PatronID,
		"title_id":   r.TitleID,
		"start_date": r.StartDate,
		"end_date":   r.EndDate,
		"status":     r.Status,
	})
	if err != nil {
		return model.Reservation{}, mapPgErr(err, "insert reservation")
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Reservation])
	return res, mapPgErr(err, "insert reservation")
}

func (t *ledgerTx) getReservation(ctx context.Context, id int64, lock bool) (model.Reservation, error) {
	q := `select ` + reservationColumns + ` from reservations where id = $1`
	if lock {
		q += ` for update`
	}
	rows, err := t.tx.Query(ctx, q, id)
	if err != nil {
		return model.Reservation{}, mapPgErr(err, "get reservation")
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Reservation])
	return res, mapPgErr(err, "reservation")
}

func (t *ledgerTx) GetReservation(ctx context.Context, id int64) (model.Reservation, error) {
	return t.getReservation(ctx, id, false)
}

func (t *ledgerTx) LockReservation(ctx context.Context, id int64) (model.Reservation, error) {
	return t.getReservation(ctx, id, true)
}

func (t *ledgerTx) findReservation(ctx context.Context, b sq.SelectBuilder) (*model.Reservation, error) {
	query, args, err := b.Limit(1).Suffix("for update").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgErr(err, "find reservation")
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Reservation])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgErr(err, "find reservation")
	}
	return &res, nil
}

func (t *ledgerTx) FindActiveReservation(ctx context.Context, patronID, titleID int64) (*model.Reservation, error) {
	return t.findReservation(ctx, qb.Select(reservationColumns).
		From(reservationsTableName).
		Where(sq.Eq{"patron_id": patronID, "title_id": titleID, "status": model.ReservationActive}).
		OrderBy("id"))
}

func (t *ledgerTx) OldestPendingReservation(ctx context.Context, titleID int64) (*model.Reservation, error) {
	return t.findReservation(ctx, qb.Select(reservationColumns).
		From(reservationsTableName).
		Where(sq.Eq{"title_id": titleID, "status": model.ReservationPending}).
		OrderBy("id"))
}

func (t *ledgerTx) SetReservationStatus(ctx context.Context, id int64, status model.ReservationStatus) (model.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`update reservations set status = $2 where id = $1 returning `+reservationColumns, id, status)
	if err != nil {
		return model.Reservation{}, mapPgErr(err, "set reservation status")
	}
	res, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Reservation])
	return res, mapPgErr(err, "reservation")
}

func (t *ledgerTx) DeleteReservation(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `delete from reservations where id = $1`, id)
	if err != nil {
		return mapPgErr(err, "delete reservation")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(errs.ErrNotFound, "reservation")
	}
	return nil
}

func purgeWhere(filter model.PurgeFilter) sq.Sqlizer {
	if filter == model.PurgeFinalized {
		return sq.Eq{"status": model.ReservationFinalized}
	}
	return sq.Expr("true")
}

func (t *ledgerTx) ReservationTitles(ctx context.Context, filter model.PurgeFilter) ([]int64, error) {
	query, args, err := qb.Select("distinct title_id").
		From(reservationsTableName).
		Where(purgeWhere(filter)).
		OrderBy("title_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgErr(err, "reservation titles")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, mapPgErr(err, "reservation titles")
}

func (t *ledgerTx) DeleteReservations(ctx context.Context, filter model.PurgeFilter) (int64, []int64, error) {
	query, args, err := qb.Delete(reservationsTableName).
		Where(purgeWhere(filter)).
		Suffix("returning title_id").
		ToSql()
	if err != nil {
		return 0, nil, err
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, mapPgErr(err, "delete reservations")
	}
	titleIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, nil, mapPgErr(err, "delete reservations")
	}
	return int64(len(titleIDs)), uniqueSorted(titleIDs), nil
}

func uniqueSorted(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}
