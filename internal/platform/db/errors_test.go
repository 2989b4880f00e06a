package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsContention(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "lock timeout", err: &pgconn.PgError{Code: CodeLockNotAvailable}, want: true},
		{name: "deadlock wrapped", err: fmt.Errorf("lock entry: %w", &pgconn.PgError{Code: CodeDeadlockDetected}), want: true},
		{name: "serialization", err: &pgconn.PgError{Code: CodeSerializationFailure}, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "unique", err: &pgconn.PgError{Code: CodeUniqueViolation}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsContention(tc.err))
		})
	}
}

func TestConstraintHelpers(t *testing.T) {
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation})))
	require.False(t, IsUniqueViolation(errors.New("other")))
	require.True(t, IsCheckViolation(&pgconn.PgError{Code: CodeCheckViolation}))
	require.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: CodeForeignKeyViolation}))
	require.False(t, IsForeignKeyViolation(&pgconn.PgError{Code: CodeCheckViolation}))
	require.Equal(t, "", SQLState(errors.New("other")))
}
