package walker

import (
	"sort"

	"github.com/xkilldash9x/pagestitch/api/schemas"
)

// Span is a half-open vertical range [Start, End) in CSS pixels.
type Span struct {
	Start int
	End   int
}

// Ledger is the ordered record of captured tiles for one walk. It enforces
// monotonic achieved offsets and computes coverage independently of logging.
type Ledger struct {
	totalHeight    int
	viewportHeight int
	tiles          []schemas.Tile
	reachedBottom  bool
}

// NewLedger creates an empty ledger for a page of the given height.
func NewLedger(totalHeight, viewportHeight int) *Ledger {
	return &Ledger{totalHeight: totalHeight, viewportHeight: viewportHeight}
}

// TotalHeight is the page height the ledger measures coverage against.
func (l *Ledger) TotalHeight() int { return l.totalHeight }

// ViewportHeight is the nominal tile height.
func (l *Ledger) ViewportHeight() int { return l.viewportHeight }

// ReachedBottom reports whether the walk ended at the maximum scroll position.
func (l *Ledger) ReachedBottom() bool { return l.reachedBottom }

func (l *Ledger) markBottom() { l.reachedBottom = true }

// Append records a tile. CoveredHeight is min(viewport, total - achieved) and
// the sequence index is assigned here. An achieved offset lower than the last
// one is refused with KindInternalSafetyAbort.
func (l *Ledger) Append(requested, achieved int, data []byte) (schemas.Tile, error) {
	return l.appendCovering(requested, achieved, l.viewportHeight, data)
}

// appendCovering records a tile that nominally spans height rows from achieved.
func (l *Ledger) appendCovering(requested, achieved, height int, data []byte) (schemas.Tile, error) {
	if n := len(l.tiles); n > 0 && achieved < l.tiles[n-1].AchievedOffset {
		return schemas.Tile{}, schemas.Errorf(schemas.KindInternalSafetyAbort, "ledger",
			"achieved offset %d went backwards from %d", achieved, l.tiles[n-1].AchievedOffset)
	}
	covered := height
	if rest := l.totalHeight - achieved; rest < covered {
		covered = rest
	}
	if covered < 0 {
		covered = 0
	}
	tile := schemas.Tile{
		ImageData:       data,
		RequestedOffset: requested,
		AchievedOffset:  achieved,
		CoveredHeight:   covered,
		SequenceIndex:   len(l.tiles),
	}
	l.tiles = append(l.tiles, tile)
	return tile, nil
}

// Len is the number of tiles.
func (l *Ledger) Len() int { return len(l.tiles) }

// Tiles returns a copy of the tiles in sequence order.
func (l *Ledger) Tiles() []schemas.Tile {
	return append([]schemas.Tile(nil), l.tiles...)
}

// Last returns the final tile.
func (l *Ledger) Last() (schemas.Tile, bool) {
	if len(l.tiles) == 0 {
		return schemas.Tile{}, false
	}
	return l.tiles[len(l.tiles)-1], true
}

// Spans merges tile coverage into disjoint sorted spans clipped to the page.
func (l *Ledger) Spans() []Span {
	raw := make([]Span, 0, len(l.tiles))
	for _, t := range l.tiles {
		s := Span{Start: t.AchievedOffset, End: t.End()}
		if s.End > l.totalHeight {
			s.End = l.totalHeight
		}
		if s.End > s.Start {
			raw = append(raw, s)
		}
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Start < raw[j].Start })

	var merged []Span
	for _, s := range raw {
		if n := len(merged); n > 0 && s.Start <= merged[n-1].End {
			if s.End > merged[n-1].End {
				merged[n-1].End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Gaps returns the ranges of [0, total) no tile covers.
func (l *Ledger) Gaps() []Span {
	var gaps []Span
	cursor := 0
	for _, s := range l.Spans() {
		if s.Start > cursor {
			gaps = append(gaps, Span{Start: cursor, End: s.Start})
		}
		cursor = s.End
	}
	if cursor < l.totalHeight {
		gaps = append(gaps, Span{Start: cursor, End: l.totalHeight})
	}
	return gaps
}

// Coverage is the covered fraction of the page height, in [0, 1].
func (l *Ledger) Coverage() float64 {
	if l.totalHeight <= 0 {
		return 0
	}
	covered := 0
	for _, s := range l.Spans() {
		covered += s.End - s.Start
	}
	return float64(covered) / float64(l.totalHeight)
}
