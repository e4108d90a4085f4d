package repository

import (
	"database/sql"
	"testing"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: errors.Wrap(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}, "lock title"), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}},
		{name: "no rows", err: pgx.ErrNoRows},
		{name: "plain", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestMapPgErr(t *testing.T) {
	t.Parallel()
	deadlock := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "pgx no rows", err: pgx.ErrNoRows, want: errs.ErrNotFound},
		{name: "sql no rows", err: sql.ErrNoRows, want: errs.ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: errs.ErrConflict},
		{name: "foreign key violation", err: &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, want: errs.ErrNotFound},
		{name: "deadlock passes through", err: deadlock, want: deadlock},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, mapPgErr(tt.err, "loan"), tt.want)
		})
	}

	require.NoError(t, mapPgErr(nil, "loan"))
	require.True(t, isRetryable(mapPgErr(deadlock, "loan")), "retry must still see the driver error")
}
