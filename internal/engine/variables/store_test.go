package variables

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutWriteOnce(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("a", "hello", "action-1"))
	assert.ErrorIs(t, s.Put("a", "world", "action-2"), ErrKeyExists)

	entry, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Value)
	assert.Equal(t, "action-1", entry.Producer)
}

func TestContains(t *testing.T) {
	s := New()
	assert.False(t, s.Contains("a"))
	require.NoError(t, s.Put("a", 1, "p"))
	assert.True(t, s.Contains("a"))
}

func TestFailRecordsAndSkipsIfAlreadyWritten(t *testing.T) {
	s := New()
	s.Fail("a", "boom")
	msg, ok := s.Failed("a")
	require.True(t, ok)
	assert.Equal(t, "boom", msg)

	require.NoError(t, s.Put("b", "v", "p"))
	s.Fail("b", "too late")
	_, ok = s.Failed("b")
	assert.False(t, ok, "Fail must not record over an already-written key")
}

func TestSubscribeAlreadyWrittenIsClosedImmediately(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("a", 1, "p"))

	ch := s.Subscribe("a")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected channel for already-written key to be closed immediately")
	}
}

func TestSubscribeWakesOnPut(t *testing.T) {
	s := New()
	ch := s.Subscribe("a")

	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Put("a", "value", "p"))
		close(done)
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber was never woken")
	}
	<-done
}

func TestSubscribeWakesOnFail(t *testing.T) {
	s := New()
	ch := s.Subscribe("a")
	s.Fail("a", "boom")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber was never woken by Fail")
	}
}

func TestSetVariableOverwritesExisting(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("a", "first", "action-1"))
	require.NoError(t, s.SetVariable("a", "second"))

	entry, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "second", entry.Value)
	assert.Equal(t, internalProducer, entry.Producer)
}

func TestDeleteVariableAndClearAll(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("a", 1, "p"))
	require.NoError(t, s.Put("b", 2, "p"))

	s.DeleteVariable("a")
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))

	s.ClearAll()
	assert.Empty(t, s.Keys())
}

func TestResolveStringSubstitutesBothForms(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("name", "world", "p"))
	require.NoError(t, s.Put("count", 3, "p"))

	out, unresolved := s.ResolveString("hello $name, you have ${count} messages and $missing")
	assert.Equal(t, "hello world, you have 3 messages and $missing", out)
	assert.Equal(t, []string{"missing"}, unresolved)
}

func TestResolveStringNonStringValueIsJSONEncoded(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("obj", map[string]any{"k": "v"}, "p"))

	out, unresolved := s.ResolveString("data: $obj")
	assert.Empty(t, unresolved)
	assert.Equal(t, `data: {"k":"v"}`, out)
}

func TestResolveTreeWalksMapsAndSlices(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("x", "resolved", "p"))

	tree := map[string]any{
		"a": "$x",
		"b": []any{"$x", "$missing"},
	}
	result, unresolved := s.ResolveTree(tree)
	m := result.(map[string]any)
	assert.Equal(t, "resolved", m["a"])
	assert.Equal(t, []any{"resolved", "$missing"}, m["b"])
	assert.Equal(t, []string{"missing"}, unresolved)
}

func TestReferencedKeysDeduplicatesAndFindsBothForms(t *testing.T) {
	keys := ReferencedKeys(map[string]any{
		"a": "$foo and ${foo} and $bar",
		"b": []any{"${baz}"},
	})
	assert.ElementsMatch(t, []string{"foo", "bar", "baz"}, keys)
}

func TestStoreConcurrentWritesAreSerialized(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	errs := make([]error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Put("shared", i, "p")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent writer should win")
}
