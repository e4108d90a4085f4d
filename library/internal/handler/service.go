package handler

import (
	"context"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/service"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

type LedgerService interface {
	RequestLoan(ctx context.Context, actor model.Actor, req model.LoanRequest) (model.Loan, error)
	ReturnLoan(ctx context.Context, actor model.Actor, loanID int64) (model.ReturnResult, error)
	PurgeLoans(ctx context.Context, actor model.Actor, ids []int64) (int64, error)
	RequestReservation(ctx context.Context, actor model.Actor, req model.ReservationRequest) (model.ReservationResult, error)
	FinalizeReservation(ctx context.Context, actor model.Actor, id int64) (model.Reservation, error)
	DeleteReservation(ctx context.Context, actor model.Actor, id int64) error
	PurgeReservations(ctx context.Context, actor model.Actor, filter model.PurgeFilter) (int64, error)
	Restock(ctx context.Context, actor model.Actor, titleID int64, delta int) (model.Title, error)
	RestockEvent(ctx context.Context, actor model.Actor, eventID string, titleID int64, delta int) (model.Title, bool, error)
	InventorySnapshot(ctx context.Context, actor model.Actor) ([]model.InventoryRow, error)
	SweepOverdueFines(ctx context.Context, actor model.Actor) (int, error)
}

type LibraryService interface {
	ResolveActor(ctx context.Context, actor model.Actor) (model.Actor, error)
	RegisterPatron(ctx context.Context, actor model.Actor, p model.Patron) (model.Patron, error)
	GetPatron(ctx context.Context, actor model.Actor, id int64) (model.Patron, error)
	UpdatePatron(ctx context.Context, actor model.Actor, p model.Patron) (model.Patron, error)

	CreateAuthor(ctx context.Context, actor model.Actor, a model.Author) (model.Author, error)
	ListAuthors(ctx context.Context) ([]model.Author, error)
	DeleteAuthor(ctx context.Context, actor model.Actor, id int64) error
	CreateCategory(ctx context.Context, actor model.Actor, c model.Category) (model.Category, error)
	ListCategories(ctx context.Context) ([]model.Category, error)
	DeleteCategory(ctx context.Context, actor model.Actor, id int64) error
	CreatePublisher(ctx context.Context, actor model.Actor, p model.Publisher) (model.Publisher, error)
	ListPublishers(ctx context.Context) ([]model.Publisher, error)
	DeletePublisher(ctx context.Context, actor model.Actor, id int64) error
	CreateTag(ctx context.Context, actor model.Actor, t model.Tag) (model.Tag, error)
	ListTags(ctx context.Context) ([]model.Tag, error)
	CreateTitle(ctx context.Context, actor model.Actor, t model.Title) (model.Title, error)
	GetTitle(ctx context.Context, id int64) (model.Title, error)
	ListTitles(ctx context.Context, f model.TitleFilter) (model.ListTitles, error)
	DeleteTitle(ctx context.Context, actor model.Actor, id int64) error

	ListLoans(ctx context.Context, actor model.Actor, patronID int64) ([]model.Loan, error)
	ListReservations(ctx context.Context, actor model.Actor, patronID int64) ([]model.Reservation, error)
	ListFines(ctx context.Context, actor model.Actor, patronID int64) ([]model.Fine, error)
	ListNotifications(ctx context.Context, actor model.Actor, patronID int64, unreadOnly bool) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, actor model.Actor, id int64) error
	Stats(ctx context.Context, actor model.Actor) (model.Stats, error)
}

var (
	_ LedgerService  = (*service.Service)(nil)
	_ LibraryService = (*service.Service)(nil)
)
