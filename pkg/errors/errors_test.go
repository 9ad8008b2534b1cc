package errors

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	e1 := New("cause1")
	e2 := New("cause2").Wrap(e1)
	e := New("dummy").Wrap(e2)
	e3 := e.Unwrap()
	assert.True(t, Is(e, e1))
	assert.True(t, Is(e, e2))
	assert.True(t, e3 == e2)
}

func TestWrapKeepsSentinel(t *testing.T) {
	sentinel := New("sentinel")

	w1 := sentinel.Wrap(io.EOF)
	w2 := sentinel.Wrapf("at %q", "/tmp/x")

	require.Nil(t, sentinel.Unwrap(), "a sentinel must not be mutated by Wrap")
	assert.True(t, Is(w1, sentinel))
	assert.True(t, Is(w1, io.EOF))
	assert.True(t, Is(w2, sentinel))
	assert.False(t, Is(w2, io.EOF))
	assert.Equal(t, `sentinel: at "/tmp/x"`, w2.Error())

	var target *Error
	require.True(t, As(w1, &target))
	assert.Equal(t, "sentinel: EOF", target.Error())
}
