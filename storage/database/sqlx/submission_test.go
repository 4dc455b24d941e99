package sqlxrepos_test

import (
	"testing"

	"github.com/trezcool/tathmini/core/submission"
	sqlxrepos "github.com/trezcool/tathmini/storage/database/sqlx"
	testutil "github.com/trezcool/tathmini/tests"
)

func TestSubmissionRepository(t *testing.T) {
	testutil.SubmissionRepositoryContract(t, func(t *testing.T) submission.Repository {
		return sqlxrepos.NewSubmissionRepository(testutil.PrepareDB(t))
	})
}
