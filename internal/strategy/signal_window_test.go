package strategy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/polybook/internal/domain"
)

func TestSignalWindowDropsDuplicates(t *testing.T) {
	w := NewSignalWindow(0)
	assert.True(t, w.Add(domain.Signal{ID: "a", Text: "one"}))
	assert.False(t, w.Add(domain.Signal{ID: "a", Text: "again"}))
	assert.False(t, w.Add(domain.Signal{Text: "no id"}))
	assert.Equal(t, 1, w.Len())
	assert.Equal(t, "one", w.Items()[0].Text)
}

func TestSignalWindowEvictsOldest(t *testing.T) {
	w := NewSignalWindow(DefaultWindowSize)
	for i := range 15 {
		w.Add(domain.Signal{ID: fmt.Sprintf("s%d", i)})
	}
	items := w.Items()
	assert.Len(t, items, DefaultWindowSize)
	assert.Equal(t, "s5", items[0].ID)
	assert.Equal(t, "s14", items[9].ID)

	// an evicted id may come back
	assert.True(t, w.Add(domain.Signal{ID: "s0"}))
	assert.False(t, w.Add(domain.Signal{ID: "s14"}))
	assert.Equal(t, "s0", w.Items()[9].ID)
}

func TestSignalWindowItemsIsACopy(t *testing.T) {
	w := NewSignalWindow(3)
	w.Add(domain.Signal{ID: "a"})
	items := w.Items()
	items[0].ID = "mutated"
	assert.Equal(t, "a", w.Items()[0].ID)
}
