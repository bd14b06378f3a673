package orderwatch

import (
	"context"
	"fmt"
	"time"
)

// ReconcileOrderState consumes one token from the state queue, re-fetches
// the authoritative order status and updates the cached document in place.
// Terminal statuses collapse the entry's TTL and retire the token; anything
// else is written back with at least its remaining TTL and requeued for the
// next cycle.
func (j *Jobs) ReconcileOrderState(ctx context.Context, p Params) (string, error) {
	recovered, err := j.StateQueue.Recover(ctx)
	if err != nil {
		return "", err
	}
	if recovered > 0 {
		j.Logger.WithField("recovered", recovered).Warn("recovered abandoned state queue tokens")
	}

	key, err := j.StateQueue.Pop(ctx)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "state queue is empty, no orders to refresh", nil
	}

	client, err := j.platformClient(ctx, p)
	if err != nil {
		// Session expiry is a hard error, but the token stays live for the
		// trigger that runs after the session is restored.
		if rqErr := j.StateQueue.Requeue(ctx, key); rqErr != nil {
			return "", rqErr
		}
		return "", err
	}

	orderID := ParseOrderKey(key).OrderID
	var order map[string]any
	ok, err := j.Cache.GetJSON(ctx, key, &order)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := j.StateQueue.Finish(ctx, key); err != nil {
			return "", err
		}
		return fmt.Sprintf("order %s cache entry expired, tracking stopped", orderID), nil
	}

	detail, err := client.OrderDetail(ctx, orderID)
	if err != nil {
		if rqErr := j.StateQueue.Requeue(ctx, key); rqErr != nil {
			return "", rqErr
		}
		return "", err
	}
	if detail.StatOrder == "" || detail.StatOperation == "" {
		if rqErr := j.StateQueue.Requeue(ctx, key); rqErr != nil {
			return "", rqErr
		}
		return "", fmt.Errorf("order %s detail page did not parse into a status", orderID)
	}

	if p.inDiscardSet(detail.StatOrder) {
		if err := j.Cache.Expire(ctx, key, time.Second); err != nil {
			return "", err
		}
		if err := j.StateQueue.Finish(ctx, key); err != nil {
			return "", err
		}
		summary := fmt.Sprintf("order %s reached status %q, cache entry discarded", orderID, detail.StatOrder)
		j.Logger.Info(summary)
		return summary, nil
	}

	// Partial update: only the status fields move, everything else in the
	// cached document survives.
	order["stat_order"] = detail.StatOrder
	order["stat_opration"] = detail.StatOperation

	ttl, err := j.Cache.TTL(ctx, key)
	if err != nil {
		return "", err
	}
	if ttl < time.Second {
		var deadline string
		if v, has := order["last_time_ticket"].(string); has {
			deadline = v
		}
		ttl = ttlFromDeadline(deadline, time.Now())
	}
	if err := j.Cache.Set(ctx, key, order, ttl); err != nil {
		return "", err
	}
	if err := j.StateQueue.Requeue(ctx, key); err != nil {
		return "", err
	}
	summary := fmt.Sprintf("order %s status refreshed to %q", orderID, detail.StatOrder)
	j.Logger.Info(summary)
	return summary, nil
}
