package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardCountsEntries(t *testing.T) {
	var g Guard
	for i := 0; i < 5; i++ {
		g.Do(func() {})
	}
	assert.Equal(t, int64(5), g.Entries())
	assert.Equal(t, int32(1), g.MaxOverlap())
}

func TestGuardExcludesConcurrentCallers(t *testing.T) {
	var g Guard

	var inside int
	var max int
	var wgroup sync.WaitGroup
	for i := 0; i < 8; i++ {
		wgroup.Add(1)
		go func() {
			defer wgroup.Done()
			for j := 0; j < 200; j++ {
				g.Do(func() {
					inside++
					if inside > max {
						max = inside
					}
					inside--
				})
			}
		}()
	}
	wgroup.Wait()

	assert.Equal(t, 1, max)
	assert.Equal(t, int32(1), g.MaxOverlap())
	assert.Equal(t, int64(8*200), g.Entries())
}
