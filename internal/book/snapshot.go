package book

// Level is one aggregated L2 price level: the summed remaining quantity
// of every order resting at that price.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Snapshot is an L2 view of a book: up to limit distinct price levels
// per side, bids descending by price, asks ascending by price.
type Snapshot struct {
	Bids []Level `json:"bid_levels"`
	Asks []Level `json:"ask_levels"`
}

// Snapshot aggregates the top `limit` distinct price levels from each
// side of the book.
func (b *OrderBook) Snapshot(limit int) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Bids: aggregateLevels(b.bids, limit),
		Asks: aggregateLevels(b.asks, limit),
	}
}

func aggregateLevels(lvls *levels, limit int) []Level {
	var out []Level
	lvls.Scan(func(level *PriceLevel) bool {
		var remaining int64
		for _, o := range level.Orders {
			remaining += o.Remaining()
		}
		out = append(out, Level{Price: level.Price, Qty: remaining})
		return limit <= 0 || len(out) < limit
	})
	return out
}
