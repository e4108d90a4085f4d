package service_test

import (
	"context"
	"testing"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	repo_mocks "github.com/Astemirdum/library-ledger/library/internal/repository/mocks"
	"github.com/Astemirdum/library-ledger/library/internal/repository/memory"
	"github.com/Astemirdum/library-ledger/library/internal/service"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCatalog(t *testing.T) (*service.Service, *repo_mocks.MockRepository) {
	t.Helper()
	c := gomock.NewController(t)
	repo := repo_mocks.NewMockRepository(c)
	return service.NewService(repo, memory.New(), zap.NewNop()), repo
}

func TestService_RegisterPatron(t *testing.T) {
	t.Parallel()
	regular := model.Actor{Subject: "ana", Role: model.RoleRegular}
	type mockBehavior func(r *repo_mocks.MockRepository)

	tests := []struct {
		name         string
		actor        model.Actor
		input        model.Patron
		mockBehavior mockBehavior
		want         model.Patron
		wantErr      error
	}{
		{
			name:  "self registration",
			actor: regular,
			input: model.Patron{FirstName: "Ana", LastName: "Diaz", Email: " Ana@Example.org "},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().CreatePatron(context.Background(), model.Patron{
					ExternalID: "ana", FirstName: "Ana", LastName: "Diaz", Email: "ana@example.org", Role: model.RoleRegular,
				}).Return(model.Patron{ID: 1, ExternalID: "ana", Role: model.RoleRegular}, nil)
			},
			want: model.Patron{ID: 1, ExternalID: "ana", Role: model.RoleRegular},
		},
		{
			name:         "regular registers someone else",
			actor:        regular,
			input:        model.Patron{ExternalID: "bob", Email: "bob@example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {},
			wantErr:      errs.ErrPermissionDenied,
		},
		{
			name:         "regular asks for admin role",
			actor:        regular,
			input:        model.Patron{Email: "ana@example.org", Role: model.RoleAdmin},
			mockBehavior: func(r *repo_mocks.MockRepository) {},
			wantErr:      errs.ErrPermissionDenied,
		},
		{
			name:  "admin registers an admin",
			actor: model.Actor{Subject: "root", Role: model.RoleAdmin},
			input: model.Patron{ExternalID: "lib", Email: "lib@example.org", Role: model.RoleAdmin},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().CreatePatron(context.Background(), model.Patron{ExternalID: "lib", Email: "lib@example.org", Role: model.RoleAdmin}).
					Return(model.Patron{ID: 2, ExternalID: "lib", Role: model.RoleAdmin}, nil)
			},
			want: model.Patron{ID: 2, ExternalID: "lib", Role: model.RoleAdmin},
		},
		{
			name:  "duplicate",
			actor: regular,
			input: model.Patron{Email: "ana@example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().CreatePatron(gomock.Any(), gomock.Any()).Return(model.Patron{}, errors.Wrap(errs.ErrConflict, "create patron"))
			},
			wantErr: errs.ErrConflict,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, repo := newCatalog(t)
			tt.mockBehavior(repo)

			got, err := svc.RegisterPatron(context.Background(), tt.actor, tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestService_UpdatePatron(t *testing.T) {
	t.Parallel()
	ana := model.Actor{Subject: "ana", PatronID: 7, Role: model.RoleRegular}
	type mockBehavior func(r *repo_mocks.MockRepository)

	tests := []struct {
		name         string
		actor        model.Actor
		input        model.Patron
		mockBehavior mockBehavior
		want         model.Patron
		wantErr      error
	}{
		{
			name:  "owner",
			actor: ana,
			input: model.Patron{ID: 7, FirstName: "Ana", LastName: "Ruiz", Email: " Ana.Ruiz@Example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().UpdatePatron(context.Background(), model.Patron{ID: 7, FirstName: "Ana", LastName: "Ruiz", Email: "ana.ruiz@example.org"}).
					Return(model.Patron{ID: 7, ExternalID: "ana", LastName: "Ruiz", Email: "ana.ruiz@example.org"}, nil)
			},
			want: model.Patron{ID: 7, ExternalID: "ana", LastName: "Ruiz", Email: "ana.ruiz@example.org"},
		},
		{
			name:         "someone else",
			actor:        ana,
			input:        model.Patron{ID: 8, Email: "bob@example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {},
			wantErr:      errs.ErrPermissionDenied,
		},
		{
			name:  "admin",
			actor: model.Actor{Subject: "root", Role: model.RoleAdmin},
			input: model.Patron{ID: 8, Email: "bob@example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().UpdatePatron(gomock.Any(), model.Patron{ID: 8, Email: "bob@example.org"}).Return(model.Patron{ID: 8}, nil)
			},
			want: model.Patron{ID: 8},
		},
		{
			name:  "email taken",
			actor: ana,
			input: model.Patron{ID: 7, Email: "bob@example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().UpdatePatron(gomock.Any(), gomock.Any()).Return(model.Patron{}, errors.Wrap(errs.ErrConflict, "update patron"))
			},
			wantErr: errs.ErrConflict,
		},
		{
			name:  "missing",
			actor: model.SystemActor,
			input: model.Patron{ID: 99, Email: "x@example.org"},
			mockBehavior: func(r *repo_mocks.MockRepository) {
				r.EXPECT().UpdatePatron(gomock.Any(), gomock.Any()).Return(model.Patron{}, errors.Wrap(errs.ErrNotFound, "update patron"))
			},
			wantErr: errs.ErrNotFound,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, repo := newCatalog(t)
			tt.mockBehavior(repo)

			got, err := svc.UpdatePatron(context.Background(), tt.actor, tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestService_ResolveActor(t *testing.T) {
	t.Parallel()
	svc, repo := newCatalog(t)
	ctx := context.Background()

	repo.EXPECT().GetPatronByExternalID(ctx, "ana").Return(model.Patron{ID: 7}, nil)
	got, err := svc.ResolveActor(ctx, model.Actor{Subject: "ana", Role: model.RoleRegular})
	require.NoError(t, err)
	require.EqualValues(t, 7, got.PatronID)

	repo.EXPECT().GetPatronByExternalID(ctx, "new").Return(model.Patron{}, errors.Wrap(errs.ErrNotFound, "patron"))
	got, err = svc.ResolveActor(ctx, model.Actor{Subject: "new", Role: model.RoleRegular})
	require.NoError(t, err)
	require.Zero(t, got.PatronID)

	got, err = svc.ResolveActor(ctx, model.Actor{Subject: "bob", PatronID: 3})
	require.NoError(t, err)
	require.EqualValues(t, 3, got.PatronID)
}

func TestService_Listings(t *testing.T) {
	t.Parallel()
	svc, repo := newCatalog(t)
	ctx := context.Background()
	ana := model.Actor{Subject: "ana", PatronID: 7, Role: model.RoleRegular}

	repo.EXPECT().ListLoans(ctx, int64(7)).Return([]model.Loan{{ID: 1, PatronID: 7}}, nil)
	loans, err := svc.ListLoans(ctx, ana, 0)
	require.NoError(t, err)
	require.Len(t, loans, 1)

	_, err = svc.ListFines(ctx, ana, 8)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)

	_, err = svc.ListReservations(ctx, model.Actor{Subject: "eve", Role: model.RoleRegular}, 0)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)

	repo.EXPECT().ListNotifications(ctx, int64(0), true).Return([]model.Notification{}, nil)
	_, err = svc.ListNotifications(ctx, model.SystemActor, 0, true)
	require.NoError(t, err)

	repo.EXPECT().MarkNotificationRead(ctx, int64(5), int64(7)).Return(nil)
	require.NoError(t, svc.MarkNotificationRead(ctx, ana, 5))
}

func TestService_AdminOnlyCatalog(t *testing.T) {
	t.Parallel()
	svc, repo := newCatalog(t)
	ctx := context.Background()
	ana := model.Actor{Subject: "ana", PatronID: 7, Role: model.RoleRegular}
	title := model.Title{Name: "Dune", ISBN: "9780441013593", AuthorID: 1, Pages: 412, TotalCopies: 2}

	_, err := svc.CreateTitle(ctx, ana, title)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	require.ErrorIs(t, svc.DeleteAuthor(ctx, ana, 1), errs.ErrPermissionDenied)
	_, err = svc.Stats(ctx, ana)
	require.ErrorIs(t, err, errs.ErrPermissionDenied)

	repo.EXPECT().CreateTitle(ctx, title).Return(model.Title{ID: 1, Name: "Dune", TotalCopies: 2, AvailableCopies: 2}, nil)
	got, err := svc.CreateTitle(ctx, model.SystemActor, title)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableCopies)

	repo.EXPECT().Stats(ctx, 5).Return(model.Stats{TotalLoans: 3}, nil)
	st, err := svc.Stats(ctx, model.SystemActor)
	require.NoError(t, err)
	require.Equal(t, 3, st.TotalLoans)
}
