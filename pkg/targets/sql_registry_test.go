package targets

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

func TestSQLRegistry_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewSQLRegistry(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT source_type, credentials_ref, has_dashboard FROM media_sources WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"source_type", "credentials_ref", "has_dashboard"}).
			AddRow("outbrain", "outbrain-main", true))

	got, err := reg.Resolve(context.Background(), actionlog.TargetRef{AdGroupID: 55, SourceID: 3})
	require.NoError(t, err)
	assert.Equal(t, "outbrain", got.SourceType)
	assert.Equal(t, int64(55), got.Ref.AdGroupID)
	assert.True(t, got.HasDashboard)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRegistry_ResolveUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewSQLRegistry(db)
	mock.ExpectQuery("SELECT source_type").WithArgs(int64(4)).WillReturnError(sql.ErrNoRows)

	_, err = reg.Resolve(context.Background(), actionlog.TargetRef{SourceID: 4})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestSQLRegistry_PutSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewSQLRegistry(db)
	mock.ExpectExec("INSERT INTO media_sources").
		WithArgs(int64(3), "outbrain", "ref", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, reg.PutSource(context.Background(), Source{ID: 3, Type: "outbrain", CredentialsRef: "ref", HasDashboard: true}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
