package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleSinkIsDegenerate(t *testing.T) {
	r := New([]string{"a:1"}, 100)
	for _, name := range []string{"foo", "bar", "pak", "anything.else"} {
		assert.Equal(t, "a:1", r.RouteName(name))
	}
}

func TestRoutingIsDeterministic(t *testing.T) {
	sinks := []string{"s0:2003", "s1:2003"}
	r1 := New(sinks, 100)
	r2 := New(sinks, 100)

	for _, name := range []string{"foo", "bar", "pak"} {
		assert.Equal(t, r1.RouteName(name), r2.RouteName(name), name)
	}
}

func TestRouteLineUsesNameBeforeFirstSpace(t *testing.T) {
	r := New([]string{"only:1"}, 10)
	assert.Equal(t, "only:1", r.RouteLine("foo.bar 42 1700000000"))
}

func TestRemovingSinkOnlyReroutesItsOwnArcs(t *testing.T) {
	names := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		names = append(names, "metric."+string(rune('a'+i%26))+string(rune('0'+i%10)))
	}

	before := New([]string{"s0", "s1", "s2"}, 100)
	assignmentsBefore := make(map[string]string, len(names))
	for _, n := range names {
		assignmentsBefore[n] = before.RouteName(n)
	}

	after := New([]string{"s0", "s2"}, 100)
	changed, unchanged := 0, 0
	for _, n := range names {
		got := after.RouteName(n)
		if assignmentsBefore[n] == "s1" {
			changed++
			assert.NotEqual(t, "s1", got)
		} else {
			unchanged++
			assert.Equal(t, assignmentsBefore[n], got, n)
		}
	}
	assert.Greater(t, unchanged, 0)
}

func TestSinkCount(t *testing.T) {
	r := New([]string{"a", "b", "c"}, 10)
	require.Equal(t, 3, r.SinkCount())
}
