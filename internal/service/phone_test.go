package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/service"
)

func TestNormalizeE164(t *testing.T) {
	valid := map[string]string{
		"+15125550100":      "+15125550100",
		"5125550100":        "+15125550100",
		"512-555-0100":      "+15125550100",
		"(512) 555-0202":    "+15125550202",
		"1 512.555.0100":    "+15125550100",
		"  +1 512 555 0100": "+15125550100",
		"+447400123456":     "+447400123456",
	}
	for in, want := range valid {
		got, err := service.NormalizeE164(in, "")
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "12", "bogus", "not-a-number", "0125550100", "5120550100", "+0123456789", "+1234", "+1 012 555 0100", "+1234567890123456"} {
		_, err := service.NormalizeE164(in, "")
		assert.ErrorIs(t, err, appErrors.ErrInvalidPhone, in)
	}
}

func TestNormalizeE164Region(t *testing.T) {
	got, err := service.NormalizeE164("07400 123456", "gb")
	require.NoError(t, err)
	assert.Equal(t, "+447400123456", got)

	// An explicit country code wins over the region.
	got, err = service.NormalizeE164("+1 512 555 0100", "GB")
	require.NoError(t, err)
	assert.Equal(t, "+15125550100", got)

	assert.True(t, service.ValidRegion("US"))
	assert.False(t, service.ValidRegion("XX"))
}
