package customer_test

import (
	"context"
	"customer-import/internal/domain/customer"
	"customer-import/internal/pkg/apperrors"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recordAt(t *testing.T, line int, ts string) *customer.Record {
	t.Helper()
	rec := &customer.Record{Line: line, GivenName: "Test", FamilyName: "User", Phone: "+15550100000"}
	if ts != "" {
		parsed, err := customer.ParseTimestamp(ts)
		require.NoError(t, err)
		rec.Timestamp = &parsed
	}
	return rec
}

func TestGrouper_Assign(t *testing.T) {
	dir := new(customer.MockDirectory)

	t.Run("explicit group wins", func(t *testing.T) {
		g := customer.NewGrouper(dir, " VIP ", "", discardLogger())
		group, err := g.Assign(recordAt(t, 1, "2024-01-01 10:00:00"))
		require.NoError(t, err)
		assert.Equal(t, "VIP", group.Name)
		require.NotNil(t, group.Week)
		assert.Equal(t, customer.WeekKey{Year: 2024, Week: 1}, *group.Week)
	})

	t.Run("week derived name", func(t *testing.T) {
		g := customer.NewGrouper(dir, "", "", discardLogger())
		group, err := g.Assign(recordAt(t, 1, "2024-01-01 10:00:00"))
		require.NoError(t, err)
		assert.Equal(t, "2024年第1周_客户组", group.Name)
	})

	t.Run("deterministic for the same timestamp", func(t *testing.T) {
		g := customer.NewGrouper(dir, "", "", discardLogger())
		a, err := g.Assign(recordAt(t, 1, "2024-03-07 09:15:00"))
		require.NoError(t, err)
		b, err := g.Assign(recordAt(t, 2, "2024-03-07 09:15:00"))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("missing timestamp without fallback fails", func(t *testing.T) {
		g := customer.NewGrouper(dir, "", "", discardLogger())
		_, err := g.Assign(recordAt(t, 7, ""))
		assert.ErrorIs(t, err, apperrors.ErrGrouping)
		assert.Contains(t, err.Error(), "line 7")
	})

	t.Run("missing timestamp uses fallback", func(t *testing.T) {
		g := customer.NewGrouper(dir, "", "未知周数_客户组", discardLogger())
		group, err := g.Assign(recordAt(t, 7, ""))
		require.NoError(t, err)
		assert.Equal(t, "未知周数_客户组", group.Name)
		assert.Nil(t, group.Week)
	})

	dir.AssertNotCalled(t, "FindGroupByName", mock.Anything, mock.Anything)
}

func TestGrouper_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("creates once and caches", func(t *testing.T) {
		dir := new(customer.MockDirectory)
		dir.On("FindGroupByName", ctx, "2024年第1周_客户组").Return("", nil).Once()
		dir.On("CreateGroup", ctx, "2024年第1周_客户组").Return("grp-1", nil).Once()
		g := customer.NewGrouper(dir, "", "", discardLogger())

		id, created, err := g.Resolve(ctx, "2024年第1周_客户组")
		require.NoError(t, err)
		assert.Equal(t, "grp-1", id)
		assert.True(t, created)

		id, created, err = g.Resolve(ctx, "2024年第1周_客户组")
		require.NoError(t, err)
		assert.Equal(t, "grp-1", id)
		assert.False(t, created)

		dir.AssertExpectations(t)
		dir.AssertNumberOfCalls(t, "CreateGroup", 1)
	})

	t.Run("reuses existing remote group", func(t *testing.T) {
		dir := new(customer.MockDirectory)
		dir.On("FindGroupByName", ctx, "VIP").Return("grp-vip", nil).Once()
		g := customer.NewGrouper(dir, "VIP", "", discardLogger())

		id, created, err := g.Resolve(ctx, "VIP")
		require.NoError(t, err)
		assert.Equal(t, "grp-vip", id)
		assert.False(t, created)
		dir.AssertNotCalled(t, "CreateGroup", mock.Anything, mock.Anything)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		dir := new(customer.MockDirectory)
		remoteErr := &apperrors.RemoteError{Kind: apperrors.FailureServer, Operation: "create group"}
		dir.On("FindGroupByName", ctx, "G").Return("", nil).Twice()
		dir.On("CreateGroup", ctx, "G").Return("", remoteErr).Once()
		dir.On("CreateGroup", ctx, "G").Return("grp-g", nil).Once()
		g := customer.NewGrouper(dir, "", "", discardLogger())

		_, _, err := g.Resolve(ctx, "G")
		assert.True(t, errors.Is(err, apperrors.ErrRemote))

		id, _, err := g.Resolve(ctx, "G")
		require.NoError(t, err)
		assert.Equal(t, "grp-g", id)
		dir.AssertExpectations(t)
	})
}

func TestBucket(t *testing.T) {
	week := customer.WeekOf(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, "2024-W01", customer.Bucket(customer.Group{Name: "VIP", Week: &week}))
	assert.Equal(t, "group:VIP", customer.Bucket(customer.Group{Name: "VIP"}))
}
