package book

import (
	"github.com/google/btree"

	"github.com/alanyoungcy/polybook/internal/domain"
)

const ladderDegree = 32

// lessAsc orders asks: lowest price first.
func lessAsc(a, b domain.PriceLevel) bool {
	return a.Price < b.Price
}

// lessDesc orders bids: highest price first.
func lessDesc(a, b domain.PriceLevel) bool {
	return a.Price > b.Price
}

// ladder is one side of a book keyed by price. Iteration order is the
// side's priority order, so Ascend always walks from the top of book.
type ladder struct {
	tree *btree.BTreeG[domain.PriceLevel]
	less btree.LessFunc[domain.PriceLevel]
}

func newLadder(less btree.LessFunc[domain.PriceLevel]) *ladder {
	return &ladder{tree: btree.NewG(ladderDegree, less), less: less}
}

// set writes an absolute size at price. size <= 0 removes the level.
func (l *ladder) set(price, size float64) {
	if size <= 0 {
		l.tree.Delete(domain.PriceLevel{Price: price})
		return
	}
	l.tree.ReplaceOrInsert(domain.PriceLevel{Price: price, Size: size})
}

// replace swaps the whole side for levels. Later duplicates of a price win,
// including a later zero size removing an earlier entry.
func (l *ladder) replace(levels []domain.PriceLevel) {
	next := btree.NewG(ladderDegree, l.less)
	for _, lvl := range levels {
		if lvl.Size <= 0 {
			next.Delete(domain.PriceLevel{Price: lvl.Price})
			continue
		}
		next.ReplaceOrInsert(lvl)
	}
	l.tree = next
}

// top returns up to n leading levels.
func (l *ladder) top(n int) []domain.PriceLevel {
	if n <= 0 {
		return []domain.PriceLevel{}
	}
	out := make([]domain.PriceLevel, 0, min(n, l.tree.Len()))
	l.tree.Ascend(func(lvl domain.PriceLevel) bool {
		out = append(out, lvl)
		return len(out) < n
	})
	return out
}

func (l *ladder) all() []domain.PriceLevel {
	return l.top(l.tree.Len())
}

func (l *ladder) len() int {
	return l.tree.Len()
}
