package repository

import (
	"context"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/model"
)

//go:generate go run github.com/golang/mock/mockgen -source=repository.go -destination=mocks/mock.go

// Repository is the catalog side of the store: plain reads and single-statement writes.
type Repository interface {
	CreateAuthor(ctx context.Context, a model.Author) (model.Author, error)
	ListAuthors(ctx context.Context) ([]model.Author, error)
	DeleteAuthor(ctx context.Context, id int64) error

	CreateCategory(ctx context.Context, c model.Category) (model.Category, error)
	ListCategories(ctx context.Context) ([]model.Category, error)
	DeleteCategory(ctx context.Context, id int64) error

	CreatePublisher(ctx context.Context, p model.Publisher) (model.Publisher, error)
	ListPublishers(ctx context.Context) ([]model.Publisher, error)
	DeletePublisher(ctx context.Context, id int64) error

	CreateTag(ctx context.Context, t model.Tag) (model.Tag, error)
	ListTags(ctx context.Context) ([]model.Tag, error)

	CreateTitle(ctx context.Context, t model.Title) (model.Title, error)
	GetTitle(ctx context.Context, id int64) (model.Title, error)
	ListTitles(ctx context.Context, f model.TitleFilter) (model.ListTitles, error)
	DeleteTitle(ctx context.Context, id int64) error

	CreatePatron(ctx context.Context, p model.Patron) (model.Patron, error)
	GetPatron(ctx context.Context, id int64) (model.Patron, error)
	GetPatronByExternalID(ctx context.Context, externalID string) (model.Patron, error)
	UpdatePatron(ctx context.Context, p model.Patron) (model.Patron, error)

	// patronID 0 lists every patron's rows.
	ListLoans(ctx context.Context, patronID int64) ([]model.Loan, error)
	ListReservations(ctx context.Context, patronID int64) ([]model.Reservation, error)
	ListFines(ctx context.Context, patronID int64) ([]model.Fine, error)
	ListNotifications(ctx context.Context, patronID int64, unreadOnly bool) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id, patronID int64) error

	Stats(ctx context.Context, top int) (model.Stats, error)
}

// Ledger runs the circulation rules against the store. Every mutation happens inside InTx.
type Ledger interface {
	// InTx runs fn in one transaction, retrying it from scratch on serialization failures and deadlocks.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
	InventorySnapshot(ctx context.Context) ([]model.InventoryRow, error)
	OverdueLoans(ctx context.Context, today time.Time) ([]model.Loan, error)
}

// LedgerTx is the set of statements available inside a ledger transaction.
// Titles are always locked before the loans and reservations that reference them.
type LedgerTx interface {
	LockTitle(ctx context.Context, titleID int64) (model.Title, error)
	CountUsage(ctx context.Context, titleID int64) (model.Usage, error)
	SetAvailableCopies(ctx context.Context, titleID int64, n int) error
	AddTotalCopies(ctx context.Context, titleID int64, delta int) (model.Title, error)
	// RecordEvent remembers a broker event id; first is false when it was already applied.
	RecordEvent(ctx context.Context, eventID string) (first bool, err error)

	GetPatron(ctx context.Context, patronID int64) (model.Patron, error)
	CountUnpaidFines(ctx context.Context, patronID int64) (int, error)

	InsertLoan(ctx context.Context, l model.Loan) (model.Loan, error)
	GetLoan(ctx context.Context, id int64) (model.Loan, error)
	LockLoan(ctx context.Context, id int64) (model.Loan, error)
	CloseLoan(ctx context.Context, id int64, returnDate time.Time) (model.Loan, error)
	// FindLoans returns loans by id (all loans when ids is empty), restricted to patronID when it is not zero.
	FindLoans(ctx context.Context, ids []int64, patronID int64) ([]model.Loan, error)
	DeleteLoans(ctx context.Context, ids []int64) (int64, error)

	// FindFineByLoan returns nil when the loan has no fine.
	FindFineByLoan(ctx context.Context, loanID int64) (*model.Fine, error)
	InsertFine(ctx context.Context, f model.Fine) (model.Fine, error)
	UpdateFineAmount(ctx context.Context, id, amount int64) (model.Fine, error)

	InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	// UpsertOverdueNotification keeps one overdue notification per loan; changed is false when the stored message already matched.
	UpsertOverdueNotification(ctx context.Context, n model.Notification) (res model.Notification, changed bool, err error)

	InsertReservation(ctx context.Context, r model.Reservation) (model.Reservation, error)
	GetReservation(ctx context.Context, id int64) (model.Reservation, error)
	LockReservation(ctx context.Context, id int64) (model.Reservation, error)
	// FindActiveReservation returns nil when the patron holds no active reservation for the title.
	FindActiveReservation(ctx context.Context, patronID, titleID int64) (*model.Reservation, error)
	// OldestPendingReservation returns nil when nobody is queued for the title.
	OldestPendingReservation(ctx context.Context, titleID int64) (*model.Reservation, error)
	SetReservationStatus(ctx context.Context, id int64, status model.ReservationStatus) (model.Reservation, error)
	DeleteReservation(ctx context.Context, id int64) error
	// ReservationTitles lists, ascending, the titles referenced by reservations matching filter.
	ReservationTitles(ctx context.Context, filter model.PurgeFilter) ([]int64, error)
	DeleteReservations(ctx context.Context, filter model.PurgeFilter) (count int64, titleIDs []int64, err error)
}
