package idcard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabelledCard(t *testing.T) {
	text := "REPUBLIC OF KENYA\nNAME: JOHN KAMAU\nID NO: 12345678\nDATE OF BIRTH: 12/05/1985\nSEX: MALE\n"

	d := Parse(text)

	assert.Equal(t, "JOHN KAMAU", d.Name)
	assert.Equal(t, "12345678", d.IDNumber)
	require.NotNil(t, d.DateOfBirth)
	assert.Equal(t, time.Date(1985, time.May, 12, 0, 0, 0, 0, time.UTC), *d.DateOfBirth)
	assert.Equal(t, "Male", d.Gender)
	assert.Equal(t, 0.7, d.Confidence)
}

func TestParseFallsBackToCapitalisedName(t *testing.T) {
	text := "REPUBLIC OF KENYA\nJANE WANJIKU\n23456789\nDOB 3-11-1990\nFEMALE"

	d := Parse(text)

	assert.Equal(t, "JANE WANJIKU", d.Name)
	assert.Equal(t, "23456789", d.IDNumber)
	require.NotNil(t, d.DateOfBirth)
	assert.Equal(t, time.November, d.DateOfBirth.Month())
	assert.Equal(t, "Female", d.Gender)
}

func TestParseWithoutIDNumberKeepsBaseConfidence(t *testing.T) {
	d := Parse("Name: Peter Omondi\nGender: M")

	assert.Equal(t, "Peter Omondi", d.Name)
	assert.Empty(t, d.IDNumber)
	assert.Equal(t, "Male", d.Gender)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestParseDoesNotReadGenderFromOtherWords(t *testing.T) {
	d := Parse("NAME: MARY\n12345678")
	assert.Empty(t, d.Gender)
}

func TestParseEmptyText(t *testing.T) {
	d := Parse("   ")
	assert.Equal(t, Details{}, d)
}

func TestParseIgnoresInvalidDate(t *testing.T) {
	d := Parse("DOB: 31/02/1990")
	assert.Nil(t, d.DateOfBirth)
}

func TestValidIDNumber(t *testing.T) {
	cases := map[string]bool{
		"12345678":    true,
		"1234567890":  true,
		" 123456789 ": true,
		"1234567":     false,
		"12345678901": false,
		"1234abcd":    false,
		"":            false,
	}
	for in, want := range cases {
		assert.Equal(t, want, ValidIDNumber(in), in)
	}
}
