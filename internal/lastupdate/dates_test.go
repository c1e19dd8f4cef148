package lastupdate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Time
	}{
		{"15 de enero, 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"Última actualización: 20 de marzo, 2024", time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)},
		{"3 de Setiembre de 2023 10:30", time.Date(2023, 9, 3, 10, 30, 0, 0, time.UTC)},
		{"1 de diciembre, 2025 08:05:09", time.Date(2025, 12, 1, 8, 5, 9, 0, time.UTC)},
		{"20/03/2024", time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)},
		{"05-11-2022 17:45", time.Date(2022, 11, 5, 17, 45, 0, 0, time.UTC)},
		{"2024-02-29", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"2024-03-20T10:15:00+01:00", time.Date(2024, 3, 20, 9, 15, 0, 0, time.UTC)},
		{"2024-03-20T10:15:00Z", time.Date(2024, 3, 20, 10, 15, 0, 0, time.UTC)},
		{"January 15, 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, ok := ParseDate(tc.in)
		require.True(t, ok, "input %q", tc.in)
		assert.True(t, tc.want.Equal(got), "input %q: got %s want %s", tc.in, got, tc.want)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "pronto", "31 de febrero, 2024", "45/13/2024", "15 de brumario, 2024", "2023-02-30"} {
		_, ok := ParseDate(in)
		assert.False(t, ok, "input %q", in)
	}
}

func TestFormatAndCanonicalText(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "15 de enero, 2024", FormatSpanish(at))
	assert.Equal(t, "Última actualización: 15 de enero, 2024", LabeledText(at))

	assert.Equal(t, CanonicalText("15 de enero, 2024"), CanonicalText("Última actualización:  15 de Enero, 2024"))
	assert.NotEqual(t, CanonicalText("15 de enero, 2024"), CanonicalText("20 de marzo, 2024"))
	assert.Equal(t, "15 de enero, 2024", StripLabel("ultima actualizacion: 15 de enero, 2024"))
}

func TestCompareTreatsDayOnlyDatesByCalendarDay(t *testing.T) {
	t.Parallel()

	visible, ok := ParseDate("20 de marzo, 2024")
	require.True(t, ok)
	meta, ok := ParseDate("2024-03-20T10:15:00+01:00")
	require.True(t, ok)

	assert.Equal(t, 0, Compare(meta, visible))
	assert.Equal(t, 0, Compare(visible, meta))

	nextDay := time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, Compare(nextDay, meta))
	assert.Equal(t, -1, Compare(meta, nextDay))

	morning := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 20, 18, 30, 0, 0, time.UTC)
	assert.Equal(t, 1, Compare(evening, morning), "two timestamps keep their time of day")
}
