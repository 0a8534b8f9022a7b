// Package matching pairs swap orders within a token pair using price-time
// priority. Prices are compared by cross-multiplication on big integers so
// no rounding enters the ordering.
package matching

import (
	"math/big"
	"sort"

	"commitchain/storage"
)

// Order is a resting swap order. Amount is the base quantity and
// AmountSwapped the quote quantity at the order's limit.
type Order struct {
	ID            uint64
	Owner         string
	Side          storage.Side
	Amount        *big.Int
	AmountSwapped *big.Int
	Matched       *big.Int
}

// Remaining is the unmatched base quantity.
func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.Amount, o.Matched)
}

// Fill is one match between a buy and a sell order.
type Fill struct {
	BuyID    uint64
	SellID   uint64
	MakerID  uint64
	Quantity *big.Int
	Quote    *big.Int
}

// Engine holds the matching policy. Inverse reads prices as
// amount/amount_swapped; the comparison is negated so a buy still crosses a
// sell only when it pays at least the ask. Reverse flips the priority order
// of both books, serving the worst crossing price first. Neither flag changes
// which pairs may trade.
type Engine struct {
	Inverse        bool
	Reverse        bool
	AllowSelfMatch bool
}

// compare returns the sign of quote-per-base(a) - quote-per-base(b) whichever
// ratio represents the price.
func (e Engine) compare(a, b *Order) int {
	num, den := a.AmountSwapped, a.Amount
	onum, oden := b.AmountSwapped, b.Amount
	if e.Inverse {
		num, den, onum, oden = den, num, oden, onum
	}
	left := new(big.Int).Mul(num, oden)
	right := new(big.Int).Mul(onum, den)
	c := left.Cmp(right)
	if e.Inverse {
		c = -c
	}
	return c
}

// better reports whether a has priority over b on their common side.
func (e Engine) better(a, b *Order) bool {
	c := e.compare(a, b)
	if a.Side == storage.SideSell {
		c = -c
	}
	if e.Reverse {
		c = -c
	}
	if c != 0 {
		return c > 0
	}
	return a.ID < b.ID
}

// crosses reports whether buy and sell can trade: the buy limit is at least
// the sell ask.
func (e Engine) crosses(buy, sell *Order) bool {
	return e.compare(buy, sell) >= 0
}

// Match fills orders against each other and returns the fills in execution
// order. Matched is advanced on the given orders. Orders with a zero amount
// or zero remaining quantity are ignored.
func (e Engine) Match(orders []*Order) []Fill {
	var buys, sells []*Order
	for _, o := range orders {
		if o.Amount == nil || o.AmountSwapped == nil || o.Amount.Sign() <= 0 || o.AmountSwapped.Sign() <= 0 {
			continue
		}
		if o.Matched == nil {
			o.Matched = new(big.Int)
		}
		if o.Remaining().Sign() <= 0 {
			continue
		}
		switch o.Side {
		case storage.SideBuy:
			buys = append(buys, o)
		case storage.SideSell:
			sells = append(sells, o)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return e.better(buys[i], buys[j]) })
	sort.SliceStable(sells, func(i, j int) bool { return e.better(sells[i], sells[j]) })

	var fills []Fill
	for _, buy := range buys {
		for _, sell := range sells {
			if buy.Remaining().Sign() == 0 {
				break
			}
			if sell.Remaining().Sign() == 0 {
				continue
			}
			if !e.crosses(buy, sell) {
				if e.Reverse {
					continue
				}
				break
			}
			if buy.Owner == sell.Owner && !e.AllowSelfMatch {
				continue
			}
			qty := buy.Remaining()
			if r := sell.Remaining(); r.Cmp(qty) < 0 {
				qty = r
			}
			maker := sell
			if buy.ID < sell.ID {
				maker = buy
			}
			quote := new(big.Int).Mul(qty, maker.AmountSwapped)
			quote.Quo(quote, maker.Amount)
			buy.Matched.Add(buy.Matched, qty)
			sell.Matched.Add(sell.Matched, qty)
			fills = append(fills, Fill{
				BuyID:    buy.ID,
				SellID:   sell.ID,
				MakerID:  maker.ID,
				Quantity: qty,
				Quote:    quote,
			})
		}
	}
	return fills
}
