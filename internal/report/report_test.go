package report_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-quota/internal/quota"
	"github.com/p-n-ai/pai-quota/internal/report"
)

func TestWrite(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	expires := now.AddDate(0, 1, 0)
	data := report.Data{
		UserID:      "user-1",
		Email:       "ada@example.com",
		GeneratedAt: now,
		Status: quota.Status{
			Period:        "2026-03",
			FreeUsed:      3,
			FreeLimit:     quota.FreeLimit,
			FreeRemaining: 0,
			Bundles:       []quota.BundleSummary{{ID: "b-1", Tier: quota.TierPro, RemainingQuota: 99}},
		},
		Bundles: []quota.Bundle{
			{ID: "b-1", UserID: "user-1", Tier: quota.TierPro, TotalQuota: 100, RemainingQuota: 99, CreatedAt: now, ExpiresAt: &expires},
		},
		Exchanges: []quota.Exchange{
			{ID: "ex-2", UserID: "user-1", Question: "second", Answer: "b", TokensUsed: 7, CreatedAt: now},
			{ID: "ex-1", UserID: "user-1", Question: "first", Answer: "a", TokensUsed: 5, CreatedAt: now.Add(-time.Hour)},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, data))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{report.SheetExchanges, report.SheetBundles, report.SheetUsage}, f.GetSheetList())

	rows, err := f.GetRows(report.SheetExchanges)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ID", "Created At", "Question", "Answer", "Tokens Used"}, rows[0])
	assert.Equal(t, []string{"ex-2", "2026-03-10T12:00:00Z", "second", "b", "7"}, rows[1])
	assert.Equal(t, "ex-1", rows[2][0])

	rows, err = f.GetRows(report.SheetBundles)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"b-1", "pro", "100", "99", "2026-03-10T12:00:00Z", "2026-04-10T12:00:00Z"}, rows[1])

	rows, err = f.GetRows(report.SheetUsage)
	require.NoError(t, err)
	usage := map[string]string{}
	for _, r := range rows {
		require.Len(t, r, 2)
		usage[r[0]] = r[1]
	}
	assert.Equal(t, "user-1", usage["User ID"])
	assert.Equal(t, "ada@example.com", usage["Email"])
	assert.Equal(t, "2026-03", usage["Period"])
	assert.Equal(t, "3", usage["Free Questions Used"])
	assert.Equal(t, "0", usage["Free Questions Remaining"])
	assert.Equal(t, "1", usage["Active Bundles"])
}

func TestWrite_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, report.Data{UserID: "user-1"}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(report.SheetExchanges)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}
