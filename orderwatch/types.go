// Package orderwatch contains the scheduled jobs that track activity flight
// orders from the Tixwing platform: harvesting the order listing into the
// shared Redis cache/queues, comparing live fares against the order's sale
// price and reconciling order state until an order reaches a terminal status.
package orderwatch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// deadlineLayout is the platform's ticketing-deadline timestamp format.
const deadlineLayout = "2006-01-02 15:04:05"

// defaultOrderTTL is the cache lifetime used when an order carries no usable
// ticketing deadline.
const defaultOrderTTL = 24 * time.Hour

// departureTZOffset converts the platform's UTC departure timestamps to the
// timezone fares are quoted in.
const departureTZOffset = 8 * time.Hour

// RemoteOrder is one row of the platform's activity order listing. Field
// names follow the upstream JSON contract, including its stat_opration
// spelling.
type RemoteOrder struct {
	ID               int    `json:"id"`
	CodeDep          string `json:"code_dep"`
	CodeArr          string `json:"code_arr"`
	CityDep          string `json:"city_dep"`
	CityArr          string `json:"city_arr"`
	DatDep           string `json:"dat_dep"`
	FlightNo         string `json:"flight_no"`
	Cabin            string `json:"cabin"`
	SourceName       string `json:"source_name"`
	RemainingSeconds int64  `json:"remaining_time"`
	LastTicketTime   string `json:"last_time_ticket"`
	StatOrder        string `json:"stat_order"`
	StatOperation    string `json:"stat_opration"`
}

// FlightSegment is one leg of an order's itinerary as reported by the detail
// API. Departure timestamps are ISO-8601 UTC.
type FlightSegment struct {
	FlightNo string `json:"flight_no"`
	CodeDep  string `json:"code_dep"`
	CodeArr  string `json:"code_arr"`
	CityDep  string `json:"city_dep"`
	CityArr  string `json:"city_arr"`
	DatDep   string `json:"dat_dep"`
	Cabin    string `json:"cabin"`
}

// Passenger carries the per-person price fields the comparison uses.
type Passenger struct {
	Name      string      `json:"p_name"`
	PriceStd  json.Number `json:"price_std"`
	PriceSell json.Number `json:"price_sell"`
}

// OrderDetail is the authoritative order document returned by the detail and
// status APIs. Raw preserves the full upstream payload so listing and detail
// can be merged without dropping fields this struct does not model.
type OrderDetail struct {
	ID            int             `json:"id"`
	StatOrder     string          `json:"stat_order"`
	StatOperation string          `json:"stat_opration"`
	Flights       []FlightSegment `json:"flights"`
	Peoples       []Passenger     `json:"peoples"`

	Raw json.RawMessage `json:"-"`
}

// cachedOrder is the typed view of a cached order document the consumers
// read. Writes go through map merges so fields outside this view survive.
type cachedOrder struct {
	ID             int             `json:"id"`
	FlightNo       string          `json:"flight_no"`
	Cabin          string          `json:"cabin"`
	DatDep         string          `json:"dat_dep"`
	SourceName     string          `json:"source_name"`
	LastTicketTime string          `json:"last_time_ticket"`
	StatOrder      string          `json:"stat_order"`
	Flights        []FlightSegment `json:"flights"`
	Peoples        []Passenger     `json:"peoples"`
}

// FareQuote is one competitor quote from the comparison feed. SellPrice is
// the feed's primary price concept, MaxViewPrice the secondary one.
type FareQuote struct {
	SellPrice    json.Number `json:"sellPrice"`
	MaxViewPrice json.Number `json:"maxViewPrice"`
	Cabin        string      `json:"cabin"`
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

// ttlFromDeadline computes a cache TTL from a ticketing deadline. A missing,
// malformed or already-past deadline yields the default lifetime.
func ttlFromDeadline(deadline string, now time.Time) time.Duration {
	deadline = strings.TrimSpace(deadline)
	if deadline == "" {
		return defaultOrderTTL
	}
	t, err := time.ParseInLocation(deadlineLayout, deadline, now.Location())
	if err != nil {
		return defaultOrderTTL
	}
	remaining := t.Sub(now)
	if remaining <= 0 {
		return defaultOrderTTL
	}
	return remaining.Truncate(time.Second)
}

// isoToLocal converts an ISO-8601 UTC timestamp to the quoting timezone in
// deadlineLayout format. Unparseable input is returned unchanged.
func isoToLocal(iso string) string {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(iso))
	if err != nil {
		return iso
	}
	return t.Add(departureTZOffset).Format(deadlineLayout)
}

// isoToLocalDate is isoToLocal narrowed to the date part.
func isoToLocalDate(iso string) string {
	s := isoToLocal(iso)
	if len(s) < 10 {
		return s
	}
	return s[:10]
}

// mergeDocuments folds overlay into base, overlay fields winning. Both sides
// must be JSON objects; the merged object is returned as a generic map ready
// for the cache.
func mergeDocuments(base, overlay json.RawMessage) (map[string]any, error) {
	merged := make(map[string]any)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	if len(overlay) > 0 {
		var over map[string]any
		if err := json.Unmarshal(overlay, &over); err != nil {
			return nil, err
		}
		for k, v := range over {
			merged[k] = v
		}
	}
	return merged, nil
}
