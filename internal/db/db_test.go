package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrate(t *testing.T) {
	req := require.New(t)
	conn, mock, err := sqlmock.New()
	req.NoError(err)
	defer conn.Close()

	for _, q := range Migrations {
		mock.ExpectExec(regexp.QuoteMeta(q)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	d := &Database{Conn: conn}
	req.NoError(d.AutoMigrate(context.Background()))
	req.NoError(mock.ExpectationsWereMet())
}

func TestAutoMigrate_StopsOnError(t *testing.T) {
	req := require.New(t)
	conn, mock, err := sqlmock.New()
	req.NoError(err)
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta(Migrations[0])).WillReturnError(errors.New("permission denied"))

	d := &Database{Conn: conn}
	err = d.AutoMigrate(context.Background())
	req.ErrorContains(err, "migration failed")
	req.NoError(mock.ExpectationsWereMet())
}
