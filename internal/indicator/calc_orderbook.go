package indicator

import (
	"time"

	"github.com/quantfabric/tradecore/internal/schema"
)

// Orderbook family: BID_ASK_IMBALANCE, MID_PRICE_VELOCITY, TOTAL_LIQUIDITY.

func registerOrderbookTypes(r *Registry) {
	windowParams := []ParamSpec{
		{Name: "t1", Kind: ParamFloat, Required: true},
		{Name: "t2", Kind: ParamFloat, Default: float64(0)},
	}
	r.Register(BaseType{
		Name:     "BID_ASK_IMBALANCE",
		Category: "orderbook",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &imbalanceCalc{window: windowFromParams("BID_ASK_IMBALANCE", p, "")}, nil
		},
	})
	r.Register(BaseType{
		Name:     "MID_PRICE_VELOCITY",
		Category: "orderbook",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &midVelocityCalc{window: windowFromParams("MID_PRICE_VELOCITY", p, "")}, nil
		},
	})
	r.Register(BaseType{
		Name:     "TOTAL_LIQUIDITY",
		Category: "orderbook",
		Params:   windowParams,
		New: func(p Params) (Calculator, error) {
			return &liquidityCalc{window: windowFromParams("TOTAL_LIQUIDITY", p, "")}, nil
		},
	})
}

// imbalanceCalc averages (bids - asks) / (bids + asks) across the window's
// snapshots, where each side is its summed depth.
type imbalanceCalc struct {
	window Window
}

func (c *imbalanceCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	books := view.Books(from, to)
	if len(books) == 0 {
		return schema.NullIndicatorValue(now)
	}
	var sum float64
	var samples int
	for i := range books {
		bids := depth(books[i].Bids)
		asks := depth(books[i].Asks)
		total := bids + asks
		if total <= 0 {
			continue
		}
		sum += (bids - asks) / total
		samples++
	}
	if samples == 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, sum/float64(samples), sampleConfidence(samples))
}

// midVelocityCalc is the mid-price slope between the window's first and last
// snapshots.
type midVelocityCalc struct {
	window Window
}

func (c *midVelocityCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	books := view.Books(from, to)
	if len(books) < 2 {
		return schema.NullIndicatorValue(now)
	}
	firstMid, okFirst := mid(&books[0])
	lastMid, okLast := mid(&books[len(books)-1])
	if !okFirst || !okLast {
		return schema.NullIndicatorValue(now)
	}
	dt := books[len(books)-1].Timestamp.Sub(books[0].Timestamp).Seconds()
	if dt <= 0 {
		return schema.NullIndicatorValue(now)
	}
	return schema.NewIndicatorValue(now, (lastMid-firstMid)/dt, sampleConfidence(len(books)))
}

// liquidityCalc averages the combined depth of both sides across the window.
type liquidityCalc struct {
	window Window
}

func (c *liquidityCalc) Compute(now time.Time, view MarketView) *schema.IndicatorValue {
	from, to := c.window.Resolve(now)
	books := view.Books(from, to)
	if len(books) == 0 {
		return schema.NullIndicatorValue(now)
	}
	var sum float64
	for i := range books {
		sum += depth(books[i].Bids) + depth(books[i].Asks)
	}
	return schema.NewIndicatorValue(now, sum/float64(len(books)), sampleConfidence(len(books)))
}

func depth(levels []schema.BookLevel) float64 {
	var total float64
	for _, l := range levels {
		total += l.Quantity
	}
	return total
}

func mid(book *schema.OrderbookSnapshot) (float64, bool) {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}
