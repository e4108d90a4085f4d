package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/handler"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/pkg/auth"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	service_mocks "github.com/Astemirdum/library-ledger/library/internal/handler/mocks"
)

var (
	ana   = model.Actor{Subject: "ana", PatronID: 7, Role: model.RoleRegular}
	admin = model.Actor{Subject: "root", PatronID: 1, Role: model.RoleAdmin}
)

func headers(a model.Actor) map[string]string {
	return map[string]string{
		auth.XUserNameHeader: a.Subject,
		auth.XUserRoleHeader: string(a.Role),
		auth.XPatronIDHeader: strconv.FormatInt(a.PatronID, 10),
	}
}

type mocks struct {
	ledger  *service_mocks.MockLedgerService
	library *service_mocks.MockLibraryService
}

type testCase struct {
	name         string
	method       string
	target       string
	body         string
	headers      map[string]string
	mockBehavior func(m mocks)
	expectedCode int
	expectedBody string
}

func run(t *testing.T, tests []testCase) {
	t.Helper()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := gomock.NewController(t)
			defer c.Finish()
			m := mocks{
				ledger:  service_mocks.NewMockLedgerService(c),
				library: service_mocks.NewMockLibraryService(c),
			}
			if tt.mockBehavior != nil {
				tt.mockBehavior(m)
			}
			h := handler.New(m.ledger, m.library, zap.NewNop())
			e := h.NewRouter(handler.RouterConfig{BaseRPS: 1000, APIRPS: 1000})

			r := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			e.ServeHTTP(w, r)

			require.Equal(t, tt.expectedCode, w.Code)
			if tt.expectedBody != "" {
				require.Equal(t, tt.expectedBody, strings.Trim(w.Body.String(), "\n"))
			}
		})
	}
}

func resolves(m mocks, a model.Actor) {
	m.library.EXPECT().ResolveActor(gomock.Any(), a).Return(a, nil)
}

func TestHandler_RequestLoan(t *testing.T) {
	t.Parallel()
	issued := time.Date(2024, 5, 6, 10, 30, 0, 0, time.UTC)
	due := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)
	run(t, []testCase{
		{
			name:    "ok",
			method:  http.MethodPost,
			target:  "/api/v1/loans",
			body:    `{"titleId":3}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().
					RequestLoan(gomock.Any(), ana, model.LoanRequest{PatronID: 7, TitleID: 3}).
					Return(model.Loan{ID: 1, PatronID: 7, TitleID: 3, IssuedAt: issued, DueDate: due}, nil)
			},
			expectedCode: http.StatusCreated,
			expectedBody: `{"id":1,"patronId":7,"titleId":3,"issuedAt":"2024-05-06T10:30:00Z","dueDate":"2024-05-08T00:00:00Z","returned":false}`,
		},
		{
			name:    "admin sets due date",
			method:  http.MethodPost,
			target:  "/api/v1/loans",
			body:    `{"titleId":3,"patronId":7,"dueDate":"2024-05-20"}`,
			headers: headers(admin),
			mockBehavior: func(m mocks) {
				resolves(m, admin)
				d := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
				m.ledger.EXPECT().
					RequestLoan(gomock.Any(), admin, model.LoanRequest{PatronID: 7, TitleID: 3, DueDate: &d}).
					Return(model.Loan{ID: 2, PatronID: 7, TitleID: 3, IssuedAt: issued, DueDate: d}, nil)
			},
			expectedCode: http.StatusCreated,
		},
		{
			name:    "no copies",
			method:  http.MethodPost,
			target:  "/api/v1/loans",
			body:    `{"titleId":3}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().RequestLoan(gomock.Any(), ana, gomock.Any()).Return(model.Loan{}, errs.ErrNoCopiesAvailable)
			},
			expectedCode: http.StatusConflict,
			expectedBody: `{"message":"no copies available"}`,
		},
		{
			name:    "override forbidden",
			method:  http.MethodPost,
			target:  "/api/v1/loans",
			body:    `{"titleId":3,"dueDate":"2024-05-20"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().RequestLoan(gomock.Any(), ana, gomock.Any()).
					Return(model.Loan{}, errors.Wrap(errs.ErrPermissionDenied, "due date override"))
			},
			expectedCode: http.StatusForbidden,
			expectedBody: `{"message":"due date override: permission denied"}`,
		},
		{
			name:         "title required",
			method:       http.MethodPost,
			target:       "/api/v1/loans",
			body:         `{}`,
			headers:      headers(ana),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "bad due date",
			method:       http.MethodPost,
			target:       "/api/v1/loans",
			body:         `{"titleId":3,"dueDate":"20.05.2024"}`,
			headers:      headers(ana),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "no identity",
			method:       http.MethodPost,
			target:       "/api/v1/loans",
			body:         `{"titleId":3}`,
			expectedCode: http.StatusUnauthorized,
			expectedBody: `{"message":"user-name is empty"}`,
		},
		{
			name:    "storage failure",
			method:  http.MethodPost,
			target:  "/api/v1/loans",
			body:    `{"titleId":3}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().RequestLoan(gomock.Any(), ana, gomock.Any()).Return(model.Loan{}, errors.New("db internal"))
			},
			expectedCode: http.StatusInternalServerError,
			expectedBody: `{"message":"db internal"}`,
		},
	})
}

func TestHandler_ReturnLoan(t *testing.T) {
	t.Parallel()
	run(t, []testCase{
		{
			name:    "late return",
			method:  http.MethodPost,
			target:  "/api/v1/loans/4/return",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				loanID := int64(4)
				m.ledger.EXPECT().ReturnLoan(gomock.Any(), ana, int64(4)).Return(model.ReturnResult{
					Loan:     model.Loan{ID: 4, PatronID: 7, TitleID: 3, Returned: true},
					LateDays: 3,
					Fine:     &model.Fine{ID: 9, PatronID: 7, LoanID: &loanID, Amount: 100},
				}, nil)
			},
			expectedCode: http.StatusOK,
		},
		{
			name:    "already returned",
			method:  http.MethodPost,
			target:  "/api/v1/loans/4/return",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().ReturnLoan(gomock.Any(), ana, int64(4)).Return(model.ReturnResult{}, errs.ErrAlreadyReturned)
			},
			expectedCode: http.StatusConflict,
			expectedBody: `{"message":"loan already returned"}`,
		},
		{
			name:         "bad id",
			method:       http.MethodPost,
			target:       "/api/v1/loans/x/return",
			headers:      headers(ana),
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"message":"id is invalid"}`,
		},
		{
			name:    "unknown loan",
			method:  http.MethodPost,
			target:  "/api/v1/loans/40/return",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().ReturnLoan(gomock.Any(), ana, int64(40)).Return(model.ReturnResult{}, errs.ErrNotFound)
			},
			expectedCode: http.StatusNotFound,
		},
	})
}

func TestHandler_Reservations(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC)
	run(t, []testCase{
		{
			name:    "queued",
			method:  http.MethodPost,
			target:  "/api/v1/reservations",
			body:    `{"titleId":3,"startDate":"2024-05-06","endDate":"2024-05-09"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().
					RequestReservation(gomock.Any(), ana, model.ReservationRequest{PatronID: 7, TitleID: 3, StartDate: start, EndDate: end}).
					Return(model.ReservationResult{
						Reservation: model.Reservation{ID: 5, PatronID: 7, TitleID: 3, StartDate: start, EndDate: end, Status: model.ReservationPending},
						Queued:      true,
					}, nil)
			},
			expectedCode: http.StatusCreated,
			expectedBody: `{"reservation":{"id":5,"patronId":7,"titleId":3,"startDate":"2024-05-06T00:00:00Z","endDate":"2024-05-09T00:00:00Z","status":"pending","createdAt":"0001-01-01T00:00:00Z"},"queued":true}`,
		},
		{
			name:    "end before start",
			method:  http.MethodPost,
			target:  "/api/v1/reservations",
			body:    `{"titleId":3,"startDate":"2024-05-09","endDate":"2024-05-06"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().RequestReservation(gomock.Any(), ana, gomock.Any()).
					Return(model.ReservationResult{}, errors.Wrap(errs.ErrInvalidDateRange, "end date is before start date"))
			},
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"message":"end date is before start date: invalid date range"}`,
		},
		{
			name:         "missing dates",
			method:       http.MethodPost,
			target:       "/api/v1/reservations",
			body:         `{"titleId":3}`,
			headers:      headers(ana),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:    "finalize",
			method:  http.MethodPost,
			target:  "/api/v1/reservations/5/finalize",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().FinalizeReservation(gomock.Any(), ana, int64(5)).
					Return(model.Reservation{ID: 5, Status: model.ReservationFinalized}, nil)
			},
			expectedCode: http.StatusOK,
		},
		{
			name:         "delete needs admin",
			method:       http.MethodDelete,
			target:       "/api/v1/reservations/5",
			headers:      headers(ana),
			expectedCode: http.StatusForbidden,
			expectedBody: `{"message":"admin role required"}`,
		},
		{
			name:    "delete",
			method:  http.MethodDelete,
			target:  "/api/v1/reservations/5",
			headers: headers(admin),
			mockBehavior: func(m mocks) {
				resolves(m, admin)
				m.ledger.EXPECT().DeleteReservation(gomock.Any(), admin, int64(5)).Return(nil)
			},
			expectedCode: http.StatusNoContent,
		},
		{
			name:    "purge all",
			method:  http.MethodDelete,
			target:  "/api/v1/reservations?filter=all",
			headers: headers(admin),
			mockBehavior: func(m mocks) {
				resolves(m, admin)
				m.ledger.EXPECT().PurgeReservations(gomock.Any(), admin, model.PurgeAll).Return(int64(4), nil)
			},
			expectedCode: http.StatusOK,
			expectedBody: `{"count":4}`,
		},
		{
			name:         "purge bad filter",
			method:       http.MethodDelete,
			target:       "/api/v1/reservations?filter=pending",
			headers:      headers(admin),
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"message":"filter is invalid"}`,
		},
	})
}

func TestHandler_Admin(t *testing.T) {
	t.Parallel()
	run(t, []testCase{
		{
			name:    "inventory",
			method:  http.MethodGet,
			target:  "/api/v1/inventory",
			headers: headers(admin),
			mockBehavior: func(m mocks) {
				resolves(m, admin)
				m.ledger.EXPECT().InventorySnapshot(gomock.Any(), admin).Return([]model.InventoryRow{
					{TitleID: 3, Name: "Dune", TotalCopies: 2, OpenLoans: 1, Reservations: 1, RealAvailability: 0},
				}, nil)
			},
			expectedCode: http.StatusOK,
			expectedBody: `[{"titleId":3,"name":"Dune","totalCopies":2,"openLoans":1,"activeOrPendingReservations":1,"realAvailability":0}]`,
		},
		{
			name:    "sweep",
			method:  http.MethodPost,
			target:  "/api/v1/fines/sweep",
			headers: headers(admin),
			mockBehavior: func(m mocks) {
				resolves(m, admin)
				m.ledger.EXPECT().SweepOverdueFines(gomock.Any(), admin).Return(2, nil)
			},
			expectedCode: http.StatusOK,
			expectedBody: `{"count":2}`,
		},
		{
			name:    "restock below zero",
			method:  http.MethodPatch,
			target:  "/api/v1/titles/3/restock",
			body:    `{"delta":-5}`,
			headers: headers(admin),
			mockBehavior: func(m mocks) {
				resolves(m, admin)
				m.ledger.EXPECT().Restock(gomock.Any(), admin, int64(3), -5).Return(model.Title{}, errs.ErrInvalidCopies)
			},
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"message":"copies would drop below zero"}`,
		},
		{
			name:         "stats needs admin",
			method:       http.MethodGet,
			target:       "/api/v1/stats",
			headers:      headers(ana),
			expectedCode: http.StatusForbidden,
		},
	})
}

func TestHandler_Catalog(t *testing.T) {
	t.Parallel()
	run(t, []testCase{
		{
			name:    "list titles",
			method:  http.MethodGet,
			target:  "/api/v1/titles?name=dune&authorId=2&available=true&page=1&size=10",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				m.library.EXPECT().
					ListTitles(gomock.Any(), model.TitleFilter{Name: "dune", AuthorID: 2, OnlyAvailable: true, Page: 1, Size: 10}).
					Return(model.ListTitles{Paging: model.Paging{Page: 1, PageSize: 10}}, nil)
			},
			expectedCode: http.StatusOK,
			expectedBody: `{"page":1,"pageSize":10,"totalElements":0,"items":null}`,
		},
		{
			name:         "list titles bad page",
			method:       http.MethodGet,
			target:       "/api/v1/titles?page=x",
			headers:      headers(ana),
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"message":"page is invalid"}`,
		},
		{
			name:    "register self",
			method:  http.MethodPost,
			target:  "/api/v1/patrons",
			body:    `{"firstName":"Ana","lastName":"Lima","email":"ana@example.org"}`,
			headers: map[string]string{auth.XUserNameHeader: "ana", auth.XUserRoleHeader: "regular"},
			mockBehavior: func(m mocks) {
				anon := model.Actor{Subject: "ana", Role: model.RoleRegular}
				resolves(m, anon)
				m.library.EXPECT().RegisterPatron(gomock.Any(), anon, model.Patron{
					ExternalID: "ana", FirstName: "Ana", LastName: "Lima", Email: "ana@example.org", Role: model.RoleRegular,
				}).Return(model.Patron{ID: 7, ExternalID: "ana"}, nil)
			},
			expectedCode: http.StatusCreated,
		},
		{
			name:    "register duplicate",
			method:  http.MethodPost,
			target:  "/api/v1/patrons",
			body:    `{"firstName":"Ana","lastName":"Lima","email":"ana@example.org"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.library.EXPECT().RegisterPatron(gomock.Any(), ana, gomock.Any()).Return(model.Patron{}, errs.ErrConflict)
			},
			expectedCode: http.StatusConflict,
		},
		{
			name:    "register bad email",
			method:  http.MethodPost,
			target:  "/api/v1/patrons",
			body:    `{"firstName":"Ana","lastName":"Lima","email":"nope"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:    "update own profile",
			method:  http.MethodPatch,
			target:  "/api/v1/patrons/7",
			body:    `{"firstName":"Ana","lastName":"Ruiz","email":"ana.ruiz@example.org"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.library.EXPECT().UpdatePatron(gomock.Any(), ana, model.Patron{
					ID: 7, FirstName: "Ana", LastName: "Ruiz", Email: "ana.ruiz@example.org",
				}).Return(model.Patron{ID: 7, ExternalID: "ana", FirstName: "Ana", LastName: "Ruiz", Email: "ana.ruiz@example.org"}, nil)
			},
			expectedCode: http.StatusOK,
		},
		{
			name:    "update someone else",
			method:  http.MethodPatch,
			target:  "/api/v1/patrons/8",
			body:    `{"firstName":"Bob","lastName":"Lee","email":"bob@example.org"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.library.EXPECT().UpdatePatron(gomock.Any(), ana, gomock.Any()).Return(model.Patron{}, errs.ErrPermissionDenied)
			},
			expectedCode: http.StatusForbidden,
		},
		{
			name:    "update to a taken email",
			method:  http.MethodPatch,
			target:  "/api/v1/patrons/7",
			body:    `{"firstName":"Ana","lastName":"Ruiz","email":"bob@example.org"}`,
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.library.EXPECT().UpdatePatron(gomock.Any(), ana, gomock.Any()).Return(model.Patron{}, errs.ErrConflict)
			},
			expectedCode: http.StatusConflict,
		},
		{
			name:         "update with a bad email",
			method:       http.MethodPatch,
			target:       "/api/v1/patrons/7",
			body:         `{"firstName":"Ana","lastName":"Ruiz","email":"nope"}`,
			headers:      headers(ana),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:    "unread notifications of another patron",
			method:  http.MethodGet,
			target:  "/api/v1/notifications?patronId=8&unread=true",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.library.EXPECT().ListNotifications(gomock.Any(), ana, int64(8), true).Return(nil, errs.ErrPermissionDenied)
			},
			expectedCode: http.StatusForbidden,
		},
		{
			name:    "mark read",
			method:  http.MethodPatch,
			target:  "/api/v1/notifications/12/read",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.library.EXPECT().MarkNotificationRead(gomock.Any(), ana, int64(12)).Return(nil)
			},
			expectedCode: http.StatusNoContent,
		},
		{
			name:    "purge own loans",
			method:  http.MethodDelete,
			target:  "/api/v1/loans?ids=4,5",
			headers: headers(ana),
			mockBehavior: func(m mocks) {
				resolves(m, ana)
				m.ledger.EXPECT().PurgeLoans(gomock.Any(), ana, []int64{4, 5}).Return(int64(2), nil)
			},
			expectedCode: http.StatusOK,
			expectedBody: `{"count":2}`,
		},
		{
			name:         "health",
			method:       http.MethodGet,
			target:       "/manage/health",
			expectedCode: http.StatusOK,
			expectedBody: `OK`,
		},
	})
}
