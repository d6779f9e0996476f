package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/web-progress/internal/clock/fake"
	"github.com/JakeFAU/web-progress/internal/progress"
)

var progressColumns = []string{
	"recur_depth", "code", "name", "progress", "done", "total", "state", "cancellable", "create_uid", "create_date",
}

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, *fake.Clock) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clk := fake.New(time.Unix(1700000000, 0).UTC())
	store, err := NewWithPool(mock, Config{}, clk)
	require.NoError(t, err)
	return store, mock, clk
}

func TestFetchProgressBuildsStackFromNewestRow(t *testing.T) {
	t.Parallel()

	store, mock, _ := newStore(t)
	base := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM web_progress")).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(progressColumns).
			AddRow(0, "c1", "Importing", 50.0, int64(1), int64(2), "ongoing", true, int64(7), base.Add(-time.Second)).
			AddRow(1, "c1", "", 40.0, int64(4), int64(10), "ongoing", true, int64(7), base).
			AddRow(2, "c1", "", 90.0, int64(9), int64(10), "done", true, int64(7), base.Add(-time.Minute)))

	stack, err := store.FetchProgress(context.Background(), "c1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// Depth 2 belongs to a finished inner loop older than the newest row.
	require.Len(t, stack, 2)
	require.Equal(t, "Importing", stack[0].Message)
	require.Equal(t, 1, stack[1].Depth)
	require.Equal(t, int64(7), stack[0].UserID)
	percent, cancellable := stack.Aggregate()
	require.InDelta(t, 70.0, percent, 1e-9)
	require.True(t, cancellable)
}

func TestFetchProgressCancelRowWins(t *testing.T) {
	t.Parallel()

	store, mock, _ := newStore(t)
	base := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM web_progress")).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(progressColumns).
			AddRow(0, "c1", "", 0.0, int64(0), int64(0), "cancel", false, int64(0), base).
			AddRow(1, "c1", "", 40.0, int64(4), int64(10), "ongoing", true, int64(7), base.Add(-time.Second)))

	stack, err := store.FetchProgress(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stack, 1)
	state, ok := stack.State()
	require.True(t, ok)
	require.Equal(t, progress.StateCancelled, state)
}

func TestFetchProgressUnknownCode(t *testing.T) {
	t.Parallel()

	store, mock, _ := newStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM web_progress")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(progressColumns))

	stack, err := store.FetchProgress(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, stack)
}

func TestFetchProgressQueryError(t *testing.T) {
	t.Parallel()

	store, mock, _ := newStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM web_progress")).
		WithArgs("c1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.FetchProgress(context.Background(), "c1")
	require.ErrorContains(t, err, "query progress")
}

func TestCancelInsertsCancelRow(t *testing.T) {
	t.Parallel()

	store, mock, clk := newStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO web_progress (code, recur_depth, state, cancellable, create_date)")).
		WithArgs("c1", "cancel", clk.Now()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Cancel(context.Background(), "c1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock, clk := newStore(t)
	snap := progress.Snapshot{
		Code:        "c1",
		State:       progress.StateOngoing,
		Depth:       1,
		Message:     "Lines",
		Percent:     40,
		Done:        4,
		Total:       10,
		Cancellable: true,
		UserID:      7,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO web_progress")).
		WithArgs("c1", 1, "Lines", 40.0, int64(4), int64(10), "ongoing", true, int64(7), clk.Now()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Record(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Error(t, store.Record(context.Background(), progress.Snapshot{}))
}

func TestListActiveFetchesOngoingCodes(t *testing.T) {
	t.Parallel()

	store, mock, clk := newStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT ON (code)")).
		WithArgs(int64(7), clk.Now().Add(-30*time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"code", "state"}).
			AddRow("a", "ongoing").
			AddRow("b", "done").
			AddRow("c", "cancel"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM web_progress")).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows(progressColumns).
			AddRow(0, "a", "Working", 10.0, int64(1), int64(10), "ongoing", true, int64(7), clk.Now()))

	stacks, err := store.ListActive(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, stacks, 1)
	require.Equal(t, "a", stacks[0].Code())
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Config{Table: "web_progress; DROP TABLE x"}, nil)
	require.Error(t, err)
	_, err = NewWithPool(nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}
