package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SetCount(t *testing.T) {
	var s Set

	assert.Equal(t, uint(0), s.Count())

	s.Insert(0)
	s.Insert(15)
	assert.Equal(t, uint(2), s.Count())
}

func Test_SetTraverse(t *testing.T) {
	var s Set
	s.Insert(0)
	s.Insert(3)
	s.Insert(15)

	bits := make([]int, 0)
	s.Traverse(func(idx int) {
		bits = append(bits, idx)
	})

	assert.Equal(t, []int{0, 3, 15}, bits)
}

func Test_SetTraverseEmpty(t *testing.T) {
	var s Set

	bits := make([]int, 0)
	s.Traverse(func(idx int) {
		bits = append(bits, idx)
	})

	assert.Equal(t, []int{}, bits)
}

func Test_SetAsSlice(t *testing.T) {
	var s Set
	s.Insert(0)
	s.Insert(9)

	assert.Equal(t, []int{0, 9}, s.AsSlice())
}

func Test_SetRemoveAndContains(t *testing.T) {
	var s Set
	s.Insert(4)
	s.Insert(5)

	assert.True(t, s.Contains(4))
	s.Remove(4)
	assert.False(t, s.Contains(4))
	assert.True(t, s.Contains(5))
}

func Test_SetUint16RoundTrip(t *testing.T) {
	s := FromUint16(0b1011)
	assert.Equal(t, uint16(0b1011), s.ToUint16())
}

func Test_SetIntersectUnion(t *testing.T) {
	a := FromUint16(0b0110)
	b := FromUint16(0b0011)

	assert.Equal(t, FromUint16(0b0010), a.Intersect(b))
	assert.Equal(t, FromUint16(0b0111), a.Union(b))
}

func Test_SetWithout(t *testing.T) {
	s := FromUint16(0b1111)
	assert.Equal(t, FromUint16(0b1101), s.Without(1))
}
