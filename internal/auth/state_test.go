package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodSetNamesOrder(t *testing.T) {
	// The advertised order is fixed: publickey before password, however
	// the set was built.
	assert.Equal(t, []string{"publickey", "password"},
		NewMethodSet(MethodPassword, MethodPublicKey).Names())
	assert.Equal(t, []string{"password"}, NewMethodSet(MethodPassword).Names())
	assert.Equal(t, []string{"publickey"}, NewMethodSet(MethodPublicKey).Names())
	assert.Empty(t, NewMethodSet().Names())
}

func TestParseMethod(t *testing.T) {
	m, ok := ParseMethod("publickey")
	assert.True(t, ok)
	assert.Equal(t, MethodPublicKey, m)

	m, ok = ParseMethod("password")
	assert.True(t, ok)
	assert.Equal(t, MethodPassword, m)

	_, ok = ParseMethod("hostbased")
	assert.False(t, ok)
	_, ok = ParseMethod("none")
	assert.False(t, ok)
}

func TestMethodSetHas(t *testing.T) {
	s := NewMethodSet(MethodPassword)
	assert.True(t, s.Has(MethodPassword))
	assert.False(t, s.Has(MethodPublicKey))
	assert.False(t, s.Empty())
	assert.True(t, NewMethodSet().Empty())
}
