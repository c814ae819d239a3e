package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatContactPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3471234567", "+393471234567"},
		{"347 1234567", "+393471234567"},
		{"+39 347 1234567", "+393471234567"},
		{"06 6988 4857", "+390669884857"},
		{"+14155552671", "+14155552671"},
	}
	for _, tc := range cases {
		got, err := FormatContactPhone(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestFormatContactPhoneInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "not-a-phone", "12"} {
		_, err := FormatContactPhone(in)
		assert.Error(t, err, in)
	}
}

func TestParseAppointmentTime(t *testing.T) {
	require.NoError(t, parseAppointmentTime("2026-09-01T10:00:00"))
	require.NoError(t, parseAppointmentTime("2026-09-01T10:00:00+02:00"))
	require.NoError(t, parseAppointmentTime("2026-09-01T10:00:00Z"))

	assert.Error(t, parseAppointmentTime("2026-09-01"))
	assert.Error(t, parseAppointmentTime("10:00"))
	assert.Error(t, parseAppointmentTime("domani alle dieci"))
}
