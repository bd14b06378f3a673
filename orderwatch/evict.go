package orderwatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EvictExpiring scans the remote activity listing for orders whose ticketing
// deadline falls within the configured window and asks the platform to kick
// them out of the listing. It works against the listing only; the fetch job
// observes the shrunken listing on its next run and evicts the tokens.
func (j *Jobs) EvictExpiring(ctx context.Context, p Params) (string, error) {
	client, err := j.platformClient(ctx, p)
	if err != nil {
		return "", err
	}

	orders, err := client.ListActivityOrders(ctx)
	if err != nil {
		return "", err
	}
	j.Logger.WithField("listed", len(orders)).Info("checking activity listing for expiring ticketing deadlines")

	cutoff := time.Now().Add(time.Duration(p.LastMinuteThreshold) * time.Minute)
	var expiring []int
	for _, order := range orders {
		deadline := strings.TrimSpace(order.LastTicketTime)
		if deadline == "" {
			continue
		}
		t, err := time.ParseInLocation(deadlineLayout, deadline, time.Local)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			expiring = append(expiring, order.ID)
		}
	}
	if len(expiring) == 0 {
		return ResultNoWork, nil
	}

	ids := make([]string, 0, len(expiring))
	for _, id := range expiring {
		ids = append(ids, strconv.Itoa(id))
	}
	joined := strings.Join(ids, ",")
	j.Logger.WithField("orders", joined).Info("kicking expiring orders out of the activity listing")

	if err := client.KickOutActivityOrders(ctx, expiring); err != nil {
		return "", err
	}
	summary := fmt.Sprintf("orders <%s> kicked out of the activity listing", joined)
	j.Logger.Info(summary)
	return summary, nil
}
