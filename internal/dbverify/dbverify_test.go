package dbverify

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/livepeer/encoder-worker/internal/xerrors"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Client{db: db, enabled: true, connected: true}, mock
}

func TestDisabledClientReturnsNotEnabled(t *testing.T) {
	c := &Client{}
	_, err := c.VerifyOwnership(context.Background(), "job-1", "did:key:abc")
	require.ErrorIs(t, err, xerrors.ErrNotEnabled)
}

func TestVerifyOwnershipMatchesAfterNormalization(t *testing.T) {
	c, mock := newMockClient(t)
	rows := sqlmock.NewRows([]string{"assigned_to", "status"}).AddRow("didz6Mkabc", "running")
	mock.ExpectQuery(`SELECT assigned_to, status FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(rows)

	result, err := c.VerifyOwnership(context.Background(), "job-1", "did:key:z6Mkabc")
	require.NoError(t, err)
	require.True(t, result.Exists)
	require.True(t, result.IsOwned)
	require.Equal(t, "did:key:z6Mkabc", result.ActualOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyOwnershipNoRowsMeansNotExists(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`SELECT assigned_to, status FROM jobs WHERE id = \$1`).
		WithArgs("job-missing").
		WillReturnRows(sqlmock.NewRows([]string{"assigned_to", "status"}))

	result, err := c.VerifyOwnership(context.Background(), "job-missing", "did:key:abc")
	require.NoError(t, err)
	require.False(t, result.Exists)
}

func TestUpdateJobRejectsUnknownField(t *testing.T) {
	c, _ := newMockClient(t)
	err := c.UpdateJob(context.Background(), "job-1", map[string]interface{}{"secret_column": "x"})
	require.Error(t, err)
}

func TestForceAssignExecutesUpdate(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`UPDATE jobs SET assigned_to = \$1, status = 'assigned', assigned_date = \$2, last_pinged = \$2`).
		WithArgs("did:key:z6Mkabc", sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.ForceAssign(context.Background(), "job-1", "did:key:z6Mkabc")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestForceCompleteExecutesUpdate(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(`UPDATE jobs SET status = 'complete'`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.ForceComplete(context.Background(), "job-1", "Qmabc")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeDIDCanonicalizesBothForms(t *testing.T) {
	require.Equal(t, "did:key:z6Mkabc", NormalizeDID("did:key:z6Mkabc"))
	require.Equal(t, "did:key:z6Mkabc", NormalizeDID("didz6Mkabc"))
	require.Equal(t, "", NormalizeDID(""))
}
