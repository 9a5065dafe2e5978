// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package normalize

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSecondsSinceSunriseRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(fixed)

	n, err := New(clock)
	require.NoError(t, err)

	ft := n.FromSecondsSinceSunrise(3600)
	assert.Equal(t, time.Date(2026, 7, 31, 7, 0, 0, 0, time.UTC), ft)

	back := n.ToSecondsSinceSunrise(ft)
	assert.Equal(t, 3600, back)
}

func TestToSecondsSinceSunriseOneSidedClamp(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(fixed)
	n, err := New(clock)
	require.NoError(t, err)

	// Far in the future: clamped to 0xFFFE.
	future := n.sunrise.Add(100 * time.Hour)
	assert.Equal(t, 0xFFFE, n.ToSecondsSinceSunrise(future))

	// Before sunrise: negative, NOT clamped to zero.
	past := n.sunrise.Add(-1 * time.Hour)
	assert.Equal(t, -3600, n.ToSecondsSinceSunrise(past))
}

func TestHandleDataReportProducesRecordsAndCachesLastSeen(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	n, err := New(clock)
	require.NoError(t, err)

	resp := Response{
		Type:    "mon",
		MACAddr: "FA29EB6D8701",
		OpStat:  1,
		RegStat: 2,
		Data: []ResponseSample{
			{Timestamp: 10, Vi: 38.5, Vo: 38.4, Ii: 7.0, Io: 6.9, Pi: 269.5, Po: 265.0},
		},
	}

	records, ok := n.HandleDataReport(resp)
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, "mon", records[0].Type)
	assert.Equal(t, 38.5, records[0].Vi)

	n.lastSeen.Wait()
	last, found := n.LastRecord("mon")
	require.True(t, found)
	assert.Equal(t, "FA29EB6D8701", last.MACAddr)
}
