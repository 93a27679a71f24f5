package engine

import (
	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
)

// allocateRewardPoints splits the market's point budget across its users in
// proportion to their post-settlement coin balances. Each user's exact share
// is TotalRewardPoint * coin / (InitialSupplyCoin * numUsers); the fractional
// remainder is rounded up with exactly that probability, so the expected
// total handed out equals the budget scaled by the users' collective return
// on the coin issued. All arithmetic is integral: numerator and denominator
// are carried as int64 and never collapsed to a float.
func allocateRewardPoints(m *model.Market, rnd Bernoulli) map[string]num.Point {
	users := m.Orders.Users()
	records := make(map[string]num.Point, len(users))
	if len(users) == 0 {
		return records
	}

	budget := int64(m.Attrs.TotalRewardPoint)
	den := int64(model.InitialSupplyCoin) * int64(len(users))

	for _, u := range users {
		coin := int64(m.Orders.CoinBalance(u))
		if coin <= 0 {
			records[u] = 0
			continue
		}

		numerator := budget * coin
		p := numerator / den
		if rem := numerator % den; rem > 0 && rnd.Draw(rem, den) {
			p++
		}
		records[u] = num.Point(p)
	}
	return records
}
