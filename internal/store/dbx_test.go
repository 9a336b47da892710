package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx(t *testing.T) {
	t.Run("commit on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectCommit()

		err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error { return nil })
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error { return boom })
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback and rethrow on panic", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.PanicsWithValue(t, "kaboom", func() {
			_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error { panic("kaboom") })
		})
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectBegin().WillReturnError(errors.New("no conn"))

		called := false
		err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error { called = true; return nil })
		require.Error(t, err)
		assert.False(t, called)
	})
}
