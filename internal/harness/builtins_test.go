package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
)

func TestConvertValue(t *testing.T) {
	t.Run("nil is a pure event", func(t *testing.T) {
		v, err := convertValue(nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("scalars", func(t *testing.T) {
		v, err := convertValue("hi")
		require.NoError(t, err)
		assert.Equal(t, ir.String("hi"), v)

		v, err = convertValue(7)
		require.NoError(t, err)
		assert.Equal(t, ir.Int(7), v)

		v, err = convertValue(int64(7))
		require.NoError(t, err)
		assert.Equal(t, ir.Int(7), v)

		v, err = convertValue(true)
		require.NoError(t, err)
		assert.Equal(t, ir.Bool(true), v)
	})

	t.Run("floats rejected", func(t *testing.T) {
		_, err := convertValue(1.5)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "float payloads are forbidden")
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := convertValue([]any{1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported payload type")
	})
}

func TestBuiltins(t *testing.T) {
	reg := Builtins()
	for _, name := range []string{"print", "noop", "stop"} {
		_, ok := reg.Lookup(name)
		assert.True(t, ok, "builtin %s should be registered", name)
	}
}

func TestBuildRegistry(t *testing.T) {
	t.Run("binds every body", func(t *testing.T) {
		reg, err := buildRegistry([]BodyBinding{
			{Body: "a", Do: DoNoop},
			{Body: "b", Do: DoEmit, To: "out", Value: 1},
			{Body: "c", Do: DoSchedule, Action: "tick"},
		})
		require.NoError(t, err)
		for _, name := range []string{"a", "b", "c"} {
			_, ok := reg.Lookup(name)
			assert.True(t, ok, "body %s should be bound", name)
		}
	})

	t.Run("bad payload", func(t *testing.T) {
		_, err := buildRegistry([]BodyBinding{
			{Body: "a", Do: DoEmit, To: "out", Value: 1.5},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bodies[0] (a)")
		assert.Contains(t, err.Error(), "float payloads are forbidden")
	})

	t.Run("non-int increment step", func(t *testing.T) {
		_, err := buildRegistry([]BodyBinding{
			{Body: "a", Do: DoIncrement, From: "in", To: "out", Value: "two"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "increment step must be an int")
	})

	t.Run("duplicate body", func(t *testing.T) {
		_, err := buildRegistry([]BodyBinding{
			{Body: "a", Do: DoNoop},
			{Body: "a", Do: DoStop},
		})
		require.Error(t, err)
	})
}
