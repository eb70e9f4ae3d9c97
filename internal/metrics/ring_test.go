package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRing_KeepsNewestInOrder(t *testing.T) {
	r := NewRing(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		r.Add(Point{At: base.Add(time.Duration(i) * time.Second), Sample: StatSample{RestartCount: i}})
	}
	got := r.Snapshot()
	assert.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Sample.RestartCount)
	assert.Equal(t, 4, got[2].Sample.RestartCount)
	assert.Equal(t, 3, r.Len())

	r.Reset()
	assert.Empty(t, r.Snapshot())
}

func TestRing_DefaultSize(t *testing.T) {
	r := NewRing(0)
	for i := 0; i < DefaultHistorySize+10; i++ {
		r.Add(Point{})
	}
	assert.Equal(t, DefaultHistorySize, r.Len())
}
