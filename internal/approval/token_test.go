package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		assert.Len(t, tok, 43)
		assert.True(t, ValidTokenShape(tok), tok)
		assert.False(t, seen[tok], "token collision")
		seen[tok] = true
	}
}

func TestValidTokenShape(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)
	assert.True(t, ValidTokenShape(tok))

	assert.False(t, ValidTokenShape(""))
	assert.False(t, ValidTokenShape("short"))
	assert.False(t, ValidTokenShape(tok+"x"))
	assert.False(t, ValidTokenShape(tok[:42]+"+"))
	assert.False(t, ValidTokenShape(tok[:42]+"="))
	assert.False(t, ValidTokenShape(tok[:42]+" "))
}

func TestTokensEqual(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.True(t, TokensEqual(a, a))
	assert.False(t, TokensEqual(a, b))
	assert.False(t, TokensEqual(a, a[:42]))
}
