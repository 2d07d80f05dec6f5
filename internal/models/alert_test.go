package models

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeverity_Rank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestAlertLess(t *testing.T) {
	now := time.Now()
	alerts := []AlertEvent{
		{ID: 1, Severity: SeverityLow, OccurredAt: now},
		{ID: 2, Severity: SeverityCritical, OccurredAt: now.Add(-time.Hour)},
		{ID: 3, Severity: SeverityMedium, OccurredAt: now},
		{ID: 4, Severity: SeverityCritical, OccurredAt: now},
		{ID: 5, Severity: SeverityHigh, OccurredAt: now},
	}
	sort.SliceStable(alerts, func(i, j int) bool { return AlertLess(alerts[i], alerts[j]) })

	var ids []int64
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []int64{4, 2, 5, 3, 1}, ids)
}
