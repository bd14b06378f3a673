package orderwatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type alertClass int

const (
	alertNone alertClass = iota
	alertMarkdown
	alertMarkup
)

// candidate is the competitor quote selected for the decision, with the
// direction it sits relative to our sale price.
type candidate struct {
	found bool
	price decimal.Decimal
	cabin string
	lower bool
}

// classifyQuotes buckets quotes against sellPrice and selects the candidate.
// The feed reports two price concepts per competitor; the primary field
// (sellPrice) wins when any bucket member carries it, otherwise the
// secondary (maxViewPrice) is used. Within the cheaper bucket the minimum is
// selected; within the more-expensive bucket the nearest (minimum) higher
// price, the worst case for us, not the largest.
func classifyQuotes(quotes []FareQuote, sellPrice decimal.Decimal) candidate {
	var lowPrimary, lowSecondary, highPrimary, highSecondary []FareQuote
	for _, q := range quotes {
		sp := decimalFromNumber(q.SellPrice)
		vp := decimalFromNumber(q.MaxViewPrice)
		if sp.GreaterThan(decimal.Zero) && sp.LessThan(sellPrice) {
			lowPrimary = append(lowPrimary, q)
		}
		if vp.GreaterThan(decimal.Zero) && vp.LessThan(sellPrice) {
			lowSecondary = append(lowSecondary, q)
		}
		if sp.GreaterThan(sellPrice) {
			highPrimary = append(highPrimary, q)
		}
		if vp.GreaterThan(sellPrice) {
			highSecondary = append(highSecondary, q)
		}
	}

	pick := func(bucket []FareQuote, field func(FareQuote) decimal.Decimal) (decimal.Decimal, string) {
		best := field(bucket[0])
		cabin := bucket[0].Cabin
		for _, q := range bucket[1:] {
			if v := field(q); v.LessThan(best) {
				best = v
				cabin = q.Cabin
			}
		}
		return best, cabin
	}
	primaryField := func(q FareQuote) decimal.Decimal { return decimalFromNumber(q.SellPrice) }
	secondaryField := func(q FareQuote) decimal.Decimal { return decimalFromNumber(q.MaxViewPrice) }

	switch {
	case len(lowPrimary) > 0:
		price, cabin := pick(lowPrimary, primaryField)
		return candidate{found: true, price: price, cabin: cabin, lower: true}
	case len(lowSecondary) > 0:
		price, cabin := pick(lowSecondary, secondaryField)
		return candidate{found: true, price: price, cabin: cabin, lower: true}
	case len(highPrimary) > 0:
		price, cabin := pick(highPrimary, primaryField)
		return candidate{found: true, price: price, cabin: cabin}
	case len(highSecondary) > 0:
		price, cabin := pick(highSecondary, secondaryField)
		return candidate{found: true, price: price, cabin: cabin}
	}
	return candidate{}
}

// decideAlert applies the thresholds to the selected candidate. Deltas must
// strictly exceed their threshold; an exact match stays quiet. Markups in
// the same cabin as the order are not actionable and are suppressed.
func decideAlert(c candidate, sellPrice decimal.Decimal, orderCabin string, low, high decimal.Decimal) (alertClass, decimal.Decimal) {
	if !c.found {
		return alertNone, decimal.Zero
	}
	if c.lower {
		delta := sellPrice.Sub(c.price).Round(1)
		if delta.GreaterThan(low) {
			return alertMarkdown, delta
		}
		return alertNone, delta
	}
	delta := c.price.Sub(sellPrice).Round(1)
	if delta.GreaterThan(high) && c.cabin != orderCabin {
		return alertMarkup, delta
	}
	return alertNone, delta
}

// ComparePrices consumes one token from the activity queue, compares the
// cached order's sale price against the live feed and raises an alert card
// when a threshold is crossed. The token goes back to the head of the queue
// for the next cycle; only an expired cache entry retires it.
func (j *Jobs) ComparePrices(ctx context.Context, p Params) (string, error) {
	recovered, err := j.ActivityQueue.Recover(ctx)
	if err != nil {
		return "", err
	}
	if recovered > 0 {
		j.Logger.WithField("recovered", recovered).Warn("recovered abandoned activity queue tokens")
	}

	key, err := j.ActivityQueue.Pop(ctx)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "activity queue is empty, nothing to compare", nil
	}

	var order cachedOrder
	ok, err := j.Cache.GetJSON(ctx, key, &order)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := j.ActivityQueue.Finish(ctx, key); err != nil {
			return "", err
		}
		j.Logger.WithField("key", key).Warn("order validity window passed, token dropped")
		return fmt.Sprintf("cache entry for %s expired, token dropped", key), nil
	}

	// The first leg drives the search; single-leg orders carry their data
	// at the top level as a fallback.
	var flight FlightSegment
	if len(order.Flights) > 0 {
		flight = order.Flights[0]
	}
	var people Passenger
	if len(order.Peoples) > 0 {
		people = order.Peoples[0]
	}

	flightNo := flight.FlightNo
	if flightNo == "" {
		flightNo = order.FlightNo
	}
	priceStd := decimalFromNumber(people.PriceStd)
	priceSell := decimalFromNumber(people.PriceSell)
	codeDep := strings.TrimSpace(flight.CodeDep)
	codeArr := strings.TrimSpace(flight.CodeArr)

	departureAt := order.DatDep
	depDate := ""
	if strings.TrimSpace(flight.DatDep) != "" {
		departureAt = isoToLocal(flight.DatDep)
		depDate = isoToLocalDate(flight.DatDep)
	} else if len(order.DatDep) >= 10 {
		depDate = order.DatDep[:10]
	}
	orderCabin := order.Cabin
	if orderCabin == "" {
		orderCabin = flight.Cabin
	}

	feed := newFarescanClient(p.FareProtocol, p.FareDomain, p.FareUUID, p.timeout(), p.Retry)
	quotes, err := feed.Search(ctx, flightNo, codeDep, codeArr, depDate)
	if err != nil {
		// Preserve the token for the next trigger before surfacing the
		// feed failure.
		if rqErr := j.ActivityQueue.Requeue(ctx, key); rqErr != nil {
			return "", rqErr
		}
		return "", err
	}

	summary := ""
	if len(quotes) == 0 {
		j.Logger.WithField("flight", flightNo).Warn("no feed quotes for flight")
		summary = fmt.Sprintf("order %d flight %s: no quotes found", order.ID, flightNo)
	} else {
		cand := classifyQuotes(quotes, priceSell)
		class, delta := decideAlert(cand, priceSell, orderCabin, p.LowThreshold, p.HighThreshold)
		summary = j.reportComparison(ctx, p, order, cand, class, delta, priceStd, priceSell, flightNo, orderCabin,
			departureAt, searchPageURL(codeDep, codeArr, flight.CityDep, flight.CityArr, depDate))
	}

	if err := j.ActivityQueue.Requeue(ctx, key); err != nil {
		return "", err
	}
	j.Logger.Info(summary)
	return summary, nil
}

func (j *Jobs) reportComparison(
	ctx context.Context, p Params, order cachedOrder, cand candidate, class alertClass, delta decimal.Decimal,
	priceStd, priceSell decimal.Decimal, flightNo, orderCabin, departureAt, searchURL string,
) string {
	switch class {
	case alertMarkdown, alertMarkup:
		label := "Markdown"
		if class == alertMarkup {
			label = "Markup"
		}
		card := priceAlertCard(priceAlert{
			OrderID:     order.ID,
			FlightNo:    flightNo,
			PriceStd:    priceStd,
			PriceSell:   priceSell,
			FoundPrice:  cand.price,
			Delta:       delta,
			DeltaLabel:  label,
			OrderCabin:  orderCabin,
			QuoteCabin:  cand.cabin,
			SourceOTA:   order.SourceName,
			DepartureAt: departureAt,
			SearchURL:   searchURL,
		}, p.Protocol, p.Domain)
		robot := newRobotClient(p.RobotProtocol, p.RobotDomain, p.timeout(), p.Retry)
		if err := robot.SendActionCard(ctx, card); err != nil {
			// Fire-and-forget sink: a delivery failure never fails the run.
			j.Logger.WithFields(logrus.Fields{"order": order.ID, "flight": flightNo}).
				Errorf("alert delivery failed: %v", err)
		}
		return fmt.Sprintf("order %d flight %s: %s alert, found=%s delta=%s",
			order.ID, flightNo, strings.ToLower(label), cand.price.String(), delta.String())
	default:
		if !cand.found {
			j.Logger.WithField("flight", flightNo).Warn("feed prices level with our sale price")
			return fmt.Sprintf("order %d flight %s: prices level with sale price %s",
				order.ID, flightNo, priceSell.String())
		}
		j.Logger.WithFields(logrus.Fields{
			"flight":         flightNo,
			"delta":          delta.String(),
			"low_threshold":  p.LowThreshold.String(),
			"high_threshold": p.HighThreshold.String(),
		}).Info("price delta within thresholds, no alert")
		return fmt.Sprintf("order %d flight %s: delta %s within thresholds", order.ID, flightNo, delta.String())
	}
}
