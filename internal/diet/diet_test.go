package diet

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDietAddSingle(t *testing.T) {
	var s Set
	assert.True(t, s.Empty())
	s.Add(5)
	s.Add(7)
	s.Add(6)
	require.Equal(t, 1, s.NumIntervals())
	assert.Equal(t, []Interval{{5, 7}}, s.Ascending())
	assert.Equal(t, uint64(5), s.Min())
	assert.Equal(t, uint64(7), s.Max())
}

func TestDietMergeAdjacent(t *testing.T) {
	var s Set
	s.AddRange(0, 3)
	s.AddRange(8, 10)
	require.Equal(t, 2, s.NumIntervals())
	// filling the gap coalesces everything
	s.AddRange(4, 7)
	assert.Equal(t, []Interval{{0, 10}}, s.Ascending())
}

func TestDietMergeOverlapping(t *testing.T) {
	var s Set
	s.AddRange(10, 20)
	s.AddRange(15, 30)
	s.AddRange(5, 12)
	assert.Equal(t, []Interval{{5, 30}}, s.Ascending())
}

func TestDietSwallowMultiple(t *testing.T) {
	var s Set
	s.Add(1)
	s.Add(3)
	s.Add(5)
	s.Add(7)
	require.Equal(t, 4, s.NumIntervals())
	s.AddRange(0, 8)
	assert.Equal(t, []Interval{{0, 8}}, s.Ascending())
}

func TestDietDuplicates(t *testing.T) {
	var s Set
	s.Add(42)
	s.Add(42)
	s.AddRange(40, 45)
	s.AddRange(40, 45)
	assert.Equal(t, []Interval{{40, 45}}, s.Ascending())
}

func TestDietContains(t *testing.T) {
	var s Set
	s.AddRange(2, 4)
	s.AddRange(8, 8)
	for _, x := range []uint64{2, 3, 4, 8} {
		assert.True(t, s.Contains(x), "%d", x)
	}
	for _, x := range []uint64{0, 1, 5, 7, 9, 100} {
		assert.False(t, s.Contains(x), "%d", x)
	}
}

func TestDietDeleteBelow(t *testing.T) {
	var s Set
	s.AddRange(0, 5)
	s.AddRange(10, 20)
	s.DeleteBelow(3)
	assert.Equal(t, []Interval{{3, 5}, {10, 20}}, s.Ascending())
	s.DeleteBelow(6)
	assert.Equal(t, []Interval{{10, 20}}, s.Ascending())
	s.DeleteBelow(21)
	assert.True(t, s.Empty())
}

func TestDietDelete(t *testing.T) {
	var s Set
	s.AddRange(0, 10)
	s.Delete(3, 5)
	assert.Equal(t, []Interval{{0, 2}, {6, 10}}, s.Ascending())
	s.Delete(0, 1)
	assert.Equal(t, []Interval{{2, 2}, {6, 10}}, s.Ascending())
}

func TestDietDescending(t *testing.T) {
	var s Set
	s.Add(1)
	s.AddRange(5, 7)
	s.Add(10)
	var got []Interval
	s.Descending(func(in Interval) bool {
		got = append(got, in)
		return true
	})
	assert.Equal(t, []Interval{{10, 10}, {5, 7}, {1, 1}}, got)
}

// Inserting any permutation of a multiset yields the same final set
// as inserting it sorted.
func TestDietInsertionOrderIndependence(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		values := make([]uint64, 200)
		for i := range values {
			values[i] = uint64(r.Intn(100))
		}
		var shuffled, sorted Set
		for _, v := range values {
			shuffled.Add(v)
		}
		// insert the same values in ascending order
		seen := make([]bool, 100)
		for _, v := range values {
			seen[v] = true
		}
		for v, ok := range seen {
			if ok {
				sorted.Add(uint64(v))
			}
		}
		require.Equal(t, sorted.Ascending(), shuffled.Ascending())
		for v, ok := range seen {
			assert.Equal(t, ok, shuffled.Contains(uint64(v)))
		}
	}
}
