package repository_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/repository"
	"github.com/Astemirdum/library-ledger/library/internal/service"
	"github.com/Astemirdum/library-ledger/library/migrations"
	"github.com/Astemirdum/library-ledger/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// LEDGER_TEST_DSN points at a scratch database; every test truncates it.
const dsnEnv = "LEDGER_TEST_DSN"

type pgFixture struct {
	pool   *pgxpool.Pool
	repo   repository.Repository
	svc    *service.Service
	now    time.Time
	author model.Author
}

func newPgFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s is not set", dsnEnv)
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(pool, migrations.MigrationFiles))
	_, err = pool.Exec(ctx, `truncate table notifications, fines, reservations, loans, title_tags, titles,
		tags, authors, categories, publishers, patrons, applied_events restart identity cascade`)
	require.NoError(t, err)

	log := zap.NewNop()
	repo, err := repository.NewRepository(sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"), log)
	require.NoError(t, err)

	f := &pgFixture{
		pool: pool,
		repo: repo,
		now:  time.Date(2024, 5, 6, 10, 30, 0, 0, time.UTC),
	}
	f.svc = service.NewService(repo, repository.NewLedger(pool, log), log,
		service.WithClock(func() time.Time { return f.now }))
	f.author, err = repo.CreateAuthor(ctx, model.Author{Name: "Frank Herbert"})
	require.NoError(t, err)
	return f
}

func (f *pgFixture) title(t *testing.T, isbn string, copies int) model.Title {
	t.Helper()
	title, err := f.repo.CreateTitle(context.Background(), model.Title{
		Name:        "Dune " + isbn,
		ISBN:        isbn,
		AuthorID:    f.author.ID,
		Pages:       412,
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return title
}

func (f *pgFixture) patron(t *testing.T, name string) model.Actor {
	t.Helper()
	p, err := f.repo.CreatePatron(context.Background(), model.Patron{
		ExternalID: name,
		FirstName:  name,
		LastName:   "Reader",
		Email:      name + "@example.org",
		Role:       model.RoleRegular,
	})
	require.NoError(t, err)
	return model.Actor{Subject: name, PatronID: p.ID, Role: model.RoleRegular}
}

func TestLedger_LastCopyRace(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	title := f.title(t, "9780441013593", 1)

	const patrons = 32
	actors := make([]model.Actor, patrons)
	for i := range actors {
		actors[i] = f.patron(t, fmt.Sprintf("reader%02d", i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  []model.Loan
		refused int
		other   []error
	)
	start := make(chan struct{})
	for _, a := range actors {
		wg.Add(1)
		go func(a model.Actor) {
			defer wg.Done()
			<-start
			l, err := f.svc.RequestLoan(ctx, a, model.LoanRequest{PatronID: a.PatronID, TitleID: title.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				issued = append(issued, l)
			case errors.Is(err, errs.ErrNoCopiesAvailable):
				refused++
			default:
				other = append(other, err)
			}
		}(a)
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, issued, 1)
	require.Equal(t, patrons-1, refused)

	got, err := f.repo.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	require.Zero(t, got.AvailableCopies)
	rows, err := f.svc.InventorySnapshot(ctx, model.SystemActor)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Zero(t, rows[0].RealAvailability)
	require.Equal(t, 1, rows[0].OpenLoans)
}

func TestLedger_SweepAndReturn(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	title := f.title(t, "9780441172719", 1)
	ana := f.patron(t, "ana")

	l, err := f.svc.RequestLoan(ctx, ana, model.LoanRequest{PatronID: ana.PatronID, TitleID: title.ID})
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 5)
	n, err := f.svc.SweepOverdueFines(ctx, model.SystemActor)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = f.svc.SweepOverdueFines(ctx, model.SystemActor)
	require.NoError(t, err)
	require.Zero(t, n, "second run on the same day")

	fines, err := f.repo.ListFines(ctx, ana.PatronID)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	require.EqualValues(t, 300, fines[0].Amount)

	res, err := f.svc.ReturnLoan(ctx, ana, l.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, res.LateDays)
	require.NotNil(t, res.Fine)
	require.Equal(t, fines[0].ID, res.Fine.ID, "return reuses the swept fine")

	_, err = f.svc.ReturnLoan(ctx, ana, l.ID)
	require.ErrorIs(t, err, errs.ErrAlreadyReturned)

	got, err := f.repo.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AvailableCopies)
}

func TestLedger_RestockEventOnce(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	title := f.title(t, "9780441104024", 0)

	got, applied, err := f.svc.RestockEvent(ctx, model.SystemActor, "evt-1", title.ID, 2)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, 2, got.TotalCopies)

	got, applied, err = f.svc.RestockEvent(ctx, model.SystemActor, "evt-1", title.ID, 2)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 2, got.TotalCopies)

	_, _, err = f.svc.RestockEvent(ctx, model.SystemActor, "evt-2", 999, 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRepository_UpdatePatron(t *testing.T) {
	f := newPgFixture(t)
	ctx := context.Background()
	ana := f.patron(t, "ana")
	f.patron(t, "bob")

	p, err := f.repo.UpdatePatron(ctx, model.Patron{ID: ana.PatronID, FirstName: "Ana", LastName: "Ruiz", Email: "ana.ruiz@example.org"})
	require.NoError(t, err)
	require.Equal(t, "ana", p.ExternalID)
	require.Equal(t, "Ruiz", p.LastName)

	_, err = f.repo.UpdatePatron(ctx, model.Patron{ID: ana.PatronID, FirstName: "Ana", LastName: "Ruiz", Email: "bob@example.org"})
	require.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.repo.UpdatePatron(ctx, model.Patron{ID: 999, FirstName: "X", LastName: "Y", Email: "x@example.org"})
	require.ErrorIs(t, err, errs.ErrNotFound)
}
