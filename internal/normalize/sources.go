package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dayLayout = "2006-01-02"

var microsPerUnit = decimal.NewFromInt(1_000_000)

func parseDay(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dayLayout, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t.UTC(), nil
}

// dayPeriod expands a reporting day into [start, start+24h).
func dayPeriod(start, stop string) (time.Time, time.Time, error) {
	from, err := parseDay(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if stop == "" {
		stop = start
	}
	to, err := parseDay(stop)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.IsZero() {
		to = to.Add(24 * time.Hour)
	}
	return from, to, nil
}

type metaAction struct {
	ActionType string `json:"action_type"`
	Value      Number `json:"value"`
}

type metaInsight struct {
	CampaignID   string       `json:"campaign_id"`
	AdID         string       `json:"ad_id"`
	Impressions  Number       `json:"impressions"`
	Clicks       Number       `json:"clicks"`
	Spend        Number       `json:"spend"`
	Actions      []metaAction `json:"actions"`
	ActionValues []metaAction `json:"action_values"`
	DateStart    string       `json:"date_start"`
	DateStop     string       `json:"date_stop"`
	DaysRunning  *Number      `json:"days_running"`
}

func metaMapper(purchaseActions []string) Mapper {
	wanted := make(map[string]struct{}, len(purchaseActions))
	for _, a := range purchaseActions {
		wanted[a] = struct{}{}
	}

	sum := func(actions []metaAction) (Number, error) {
		total := decimal.Zero
		for _, a := range actions {
			if _, ok := wanted[a.ActionType]; !ok {
				continue
			}
			v, err := a.Value.Decimal()
			if err != nil {
				return Number{}, fmt.Errorf("action %s: %w", a.ActionType, err)
			}
			total = total.Add(v)
		}
		return NumberOf(total.String()), nil
	}

	return func(payload json.RawMessage) (Fields, error) {
		var in metaInsight
		if err := json.Unmarshal(payload, &in); err != nil {
			return Fields{}, err
		}
		start, end, err := dayPeriod(in.DateStart, in.DateStop)
		if err != nil {
			return Fields{}, err
		}
		conversions, err := sum(in.Actions)
		if err != nil {
			return Fields{}, err
		}
		revenue, err := sum(in.ActionValues)
		if err != nil {
			return Fields{}, err
		}
		id := in.AdID
		if id == "" {
			id = in.CampaignID
		}
		return Fields{
			Channel:     "meta",
			EntityID:    id,
			PeriodStart: start,
			PeriodEnd:   end,
			Impressions: in.Impressions,
			Clicks:      in.Clicks,
			Conversions: conversions,
			Spend:       in.Spend,
			Revenue:     revenue,
			DaysRunning: in.DaysRunning,
		}, nil
	}
}

type googleRow struct {
	Campaign struct {
		ID string `json:"id"`
	} `json:"campaign"`
	AdGroupAd struct {
		Ad struct {
			ID string `json:"id"`
		} `json:"ad"`
	} `json:"adGroupAd"`
	Metrics struct {
		Impressions      Number `json:"impressions"`
		Clicks           Number `json:"clicks"`
		CostMicros       Number `json:"costMicros"`
		Conversions      Number `json:"conversions"`
		ConversionsValue Number `json:"conversionsValue"`
	} `json:"metrics"`
	Segments struct {
		Date string `json:"date"`
	} `json:"segments"`
}

func googleMapper(payload json.RawMessage) (Fields, error) {
	var in googleRow
	if err := json.Unmarshal(payload, &in); err != nil {
		return Fields{}, err
	}
	start, end, err := dayPeriod(in.Segments.Date, "")
	if err != nil {
		return Fields{}, err
	}
	micros, err := in.Metrics.CostMicros.Decimal()
	if err != nil {
		return Fields{}, fmt.Errorf("costMicros: %w", err)
	}
	id := in.AdGroupAd.Ad.ID
	if id == "" {
		id = in.Campaign.ID
	}
	return Fields{
		Channel:     "google",
		EntityID:    id,
		PeriodStart: start,
		PeriodEnd:   end,
		Impressions: in.Metrics.Impressions,
		Clicks:      in.Metrics.Clicks,
		Conversions: in.Metrics.Conversions,
		Spend:       NumberOf(micros.Div(microsPerUnit).String()),
		Revenue:     in.Metrics.ConversionsValue,
	}, nil
}

type tiktokRow struct {
	Dimensions struct {
		CampaignID  string `json:"campaign_id"`
		AdID        string `json:"ad_id"`
		StatTimeDay string `json:"stat_time_day"`
	} `json:"dimensions"`
	Metrics struct {
		Impressions  Number `json:"impressions"`
		Clicks       Number `json:"clicks"`
		Spend        Number `json:"spend"`
		Conversion   Number `json:"conversion"`
		PaymentValue Number `json:"total_complete_payment_rate"`
	} `json:"metrics"`
}

func tiktokMapper(payload json.RawMessage) (Fields, error) {
	var in tiktokRow
	if err := json.Unmarshal(payload, &in); err != nil {
		return Fields{}, err
	}
	start, end, err := dayPeriod(in.Dimensions.StatTimeDay, "")
	if err != nil {
		return Fields{}, err
	}
	id := in.Dimensions.AdID
	if id == "" {
		id = in.Dimensions.CampaignID
	}
	return Fields{
		Channel:     "tiktok",
		EntityID:    id,
		PeriodStart: start,
		PeriodEnd:   end,
		Impressions: in.Metrics.Impressions,
		Clicks:      in.Metrics.Clicks,
		Conversions: in.Metrics.Conversion,
		Spend:       in.Metrics.Spend,
		Revenue:     in.Metrics.PaymentValue,
	}, nil
}

type canonicalRow struct {
	EntityID    string    `json:"entity_id"`
	Channel     string    `json:"channel"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Impressions Number    `json:"impressions"`
	Clicks      Number    `json:"clicks"`
	Conversions Number    `json:"conversions"`
	Spend       Number    `json:"spend"`
	Revenue     Number    `json:"revenue"`
	DaysRunning *Number   `json:"days_running"`
}

func canonicalMapper(payload json.RawMessage) (Fields, error) {
	var in canonicalRow
	if err := json.Unmarshal(payload, &in); err != nil {
		return Fields{}, err
	}
	return Fields{
		Channel:     strings.ToLower(strings.TrimSpace(in.Channel)),
		EntityID:    in.EntityID,
		PeriodStart: in.PeriodStart.UTC(),
		PeriodEnd:   in.PeriodEnd.UTC(),
		Impressions: in.Impressions,
		Clicks:      in.Clicks,
		Conversions: in.Conversions,
		Spend:       in.Spend,
		Revenue:     in.Revenue,
		DaysRunning: in.DaysRunning,
	}, nil
}
