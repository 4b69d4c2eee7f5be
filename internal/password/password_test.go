package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	for _, pw := range []string{"StrongPass1!", "otra-Clave9$", "x7#Pq!mZw2"} {
		hash, err := Hash(pw)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(hash, "$argon2id$"))
		require.True(t, Verify(pw, hash))
		require.False(t, Verify(pw+"x", hash))
	}
}

func TestHashIsSalted(t *testing.T) {
	a, err := Hash("StrongPass1!")
	require.NoError(t, err)
	b, err := Hash("StrongPass1!")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	require.False(t, Verify("whatever", ""))
	require.False(t, Verify("whatever", "$2a$10$legacybcrypt"))
	require.False(t, Verify("whatever", "$argon2id$v=19$m=bad$x$y"))
}

func TestPolicyCheck(t *testing.T) {
	policy := Policy{MinLength: 8}

	cases := []struct {
		password string
		reasons  int
	}{
		{"StrongPass1!", 0},
		{"Abc1!xYz", 0},
		{"Short1!", 1},             // length
		{"alllowercase1!", 1},      // upper
		{"ALLUPPERCASE1!", 1},      // lower
		{"NoDigitsHere!", 1},       // digit
		{"NoSymbolsHere1", 1},      // symbol
		{"abc", 4},                 // length, upper, digit, symbol
	}
	for _, tc := range cases {
		got := policy.Check(tc.password)
		require.Len(t, got, tc.reasons, "password %q: %v", tc.password, got)
	}
}

func TestPolicyZeroValueDefaultsLength(t *testing.T) {
	var policy Policy
	require.NotEmpty(t, policy.Check("Ab1!"))
	require.Empty(t, policy.Check("Abcdef1!"))
}
