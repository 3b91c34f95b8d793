package docker

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendWriterAccumulatesAndForwards(t *testing.T) {
	var forwarded [][]byte
	w := &appendWriter{append: func(b []byte) { forwarded = append(forwarded, b) }}

	n, err := w.Write([]byte("hello "))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = w.Write([]byte("world"))
	assert.NoError(t, err)

	assert.Equal(t, "hello world", w.String())
	assert.Len(t, forwarded, 2)
	assert.Equal(t, "hello ", string(forwarded[0]))
	assert.Equal(t, "world", string(forwarded[1]))
}

func TestAppendWriterWithNilCallback(t *testing.T) {
	w := &appendWriter{}
	_, err := w.Write([]byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, "x", w.String())
}

func TestEnvMapToSlice(t *testing.T) {
	out := envMapToSlice(map[string]string{"A": "1", "B": "2"})
	sort.Strings(out)
	assert.Equal(t, []string{"A=1", "B=2"}, out)
}
