package attribution

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ChannelCredit is the revenue a channel earned across many conversions under
// one model.
type ChannelCredit struct {
	Channel string
	Revenue decimal.Decimal
	// Conversions is the fractional number of conversions credited, the sum
	// of each conversion's credit share.
	Conversions decimal.Decimal
	Share       decimal.Decimal
}

// Summarize rolls a batch of results up per channel for one model, ordered
// by credited revenue descending.
func Summarize(results []Result, m Model) []ChannelCredit {
	byChannel := make(map[string]*ChannelCredit)
	total := decimal.Zero

	for _, r := range results {
		credits, ok := r.PerModel[m]
		if !ok || !r.Revenue.IsPositive() {
			continue
		}
		for ch, v := range credits {
			cc, ok := byChannel[ch]
			if !ok {
				cc = &ChannelCredit{Channel: ch, Revenue: decimal.Zero, Conversions: decimal.Zero}
				byChannel[ch] = cc
			}
			cc.Revenue = cc.Revenue.Add(v)
			cc.Conversions = cc.Conversions.Add(v.Div(r.Revenue))
			total = total.Add(v)
		}
	}

	out := make([]ChannelCredit, 0, len(byChannel))
	for _, cc := range byChannel {
		if total.IsPositive() {
			cc.Share = cc.Revenue.Div(total)
		} else {
			cc.Share = decimal.Zero
		}
		out = append(out, *cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Revenue.Cmp(out[j].Revenue); c != 0 {
			return c > 0
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}
