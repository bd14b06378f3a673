package orderwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"bitbucket.org/mmdatafocus/farewatch_backend/redisq"
)

// Jobs bundles the shared dependencies every scheduled job runs against. One
// instance is built at startup and injected into the trigger handlers; the
// queues attach to their Redis lists by name, which is idempotent.
type Jobs struct {
	Logger        *logrus.Logger
	Cache         *redisq.Cache
	ActivityQueue *redisq.Queue
	StateQueue    *redisq.Queue
}

// ResultNoWork is the summary for an invocation that changed nothing.
const ResultNoWork = "job finished without touching queue or cache state"

func (j *Jobs) platformClient(ctx context.Context, p Params) (*tixwingClient, error) {
	state, ok, err := j.Cache.Get(ctx, LoginStateKey(p.UserID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLoginStateExpired
	}
	return newTixwingClient(p.Protocol, p.Domain, state, p.timeout(), p.Retry)
}

type detailFetch struct {
	key    string
	order  RemoteOrder
	detail *OrderDetail
	err    error
}

// FetchActivityOrders reconciles the platform's current activity listing
// against the tracked queues: stale tokens are evicted, unseen orders get
// their detail fetched under the concurrency cap and are cached and
// enqueued. The listing snapshot is authoritative for what stays tracked.
func (j *Jobs) FetchActivityOrders(ctx context.Context, p Params) (string, error) {
	client, err := j.platformClient(ctx, p)
	if err != nil {
		return "", err
	}

	orders, err := client.ListActivityOrders(ctx)
	if err != nil {
		return "", err
	}
	j.Logger.WithFields(logrus.Fields{"job": "fetch-activity-orders", "listed": len(orders)}).
		Info("fetched activity order listing")

	remote := make(map[string]RemoteOrder, len(orders))
	for _, order := range orders {
		if order.ID == 0 {
			continue
		}
		key := BuildOrderKey(KeyFields{
			DepCity:  order.CodeDep,
			ArrCity:  order.CodeArr,
			DepDate:  order.DatDep,
			FlightNo: order.FlightNo,
			Cabin:    order.Cabin,
			OrderID:  strconv.Itoa(order.ID),
		})
		remote[key] = order
	}

	activityMembers, err := j.ActivityQueue.Members(ctx)
	if err != nil {
		return "", err
	}
	stateMembers, err := j.StateQueue.Members(ctx)
	if err != nil {
		return "", err
	}

	// An empty listing means zero qualifying orders; stale removal still
	// runs against the now fully-stale membership.
	changed, err := j.evictStale(ctx, remote, activityMembers, stateMembers)
	if err != nil {
		return "", err
	}

	var newKeys []string
	for key := range remote {
		if _, tracked := activityMembers[key]; tracked {
			continue
		}
		if _, tracked := stateMembers[key]; tracked {
			continue
		}
		newKeys = append(newKeys, key)
	}

	results := j.fetchDetails(ctx, client, p, remote, newKeys)

	ingested := 0
	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
			j.Logger.WithFields(logrus.Fields{"order": res.order.ID, "key": res.key}).
				Errorf("order detail fetch failed: %v", res.err)
			continue
		}
		if err := j.ingestOrder(ctx, res); err != nil {
			return "", err
		}
		ingested++
		changed = true
	}

	if !changed {
		return ResultNoWork, nil
	}
	summary := fmt.Sprintf("activity order fetch done: listed=%d ingested=%d failed=%d", len(orders), ingested, failed)
	j.Logger.Info(summary)
	return summary, nil
}

// evictStale finishes every tracked token the remote listing no longer
// carries and collapses the cache entry's TTL once the last queue reference
// is gone. Staleness is judged against the union of both memberships: a key
// absent from the listing is stale for every queue that tracks it, so both
// tokens are finished before the cache entry is touched. The entry is not
// deleted outright so a concurrent reader is never raced; the store's own
// expiry reaps it.
func (j *Jobs) evictStale(
	ctx context.Context, remote map[string]RemoteOrder,
	activityMembers, stateMembers map[string]struct{},
) (bool, error) {
	stale := make(map[string]struct{})
	for key := range activityMembers {
		if _, live := remote[key]; !live {
			stale[key] = struct{}{}
		}
	}
	for key := range stateMembers {
		if _, live := remote[key]; !live {
			stale[key] = struct{}{}
		}
	}

	changed := false
	for key := range stale {
		for _, tracked := range []struct {
			queue   *redisq.Queue
			members map[string]struct{}
		}{
			{j.ActivityQueue, activityMembers},
			{j.StateQueue, stateMembers},
		} {
			if _, member := tracked.members[key]; !member {
				continue
			}
			if err := tracked.queue.Finish(ctx, key); err != nil {
				return changed, err
			}
			changed = true
			j.Logger.WithFields(logrus.Fields{"queue": tracked.queue.Name(), "key": key}).
				Info("stale order removed from queue")
		}
		if _, ok, err := j.Cache.Get(ctx, key); err != nil {
			return changed, err
		} else if ok {
			if err := j.Cache.Expire(ctx, key, time.Second); err != nil {
				return changed, err
			}
			j.Logger.WithField("key", key).Info("stale order cache entry set to expire")
		}
	}
	return changed, nil
}

// fetchDetails fans out detail requests for the new keys behind the
// admission gate. A failed fetch is recorded against its own key only and
// never aborts the batch.
func (j *Jobs) fetchDetails(
	ctx context.Context, client *tixwingClient, p Params, remote map[string]RemoteOrder, keys []string,
) []detailFetch {
	gate := semaphore.NewWeighted(p.Semaphore)
	results := make([]detailFetch, len(keys))

	var wg sync.WaitGroup
	for i, key := range keys {
		order := remote[key]
		results[i] = detailFetch{key: key, order: order}
		if err := gate.Acquire(ctx, 1); err != nil {
			results[i].err = err
			continue
		}
		wg.Add(1)
		go func(res *detailFetch) {
			defer wg.Done()
			defer gate.Release(1)
			detail, err := client.OrderDetail(ctx, strconv.Itoa(res.order.ID))
			if err != nil {
				res.err = err
				return
			}
			res.detail = detail
		}(&results[i])
	}
	wg.Wait()
	return results
}

// ingestOrder merges the detail document over the listing snapshot, caches
// it under the order key with a validity-derived TTL and enqueues the key
// into both tracked queues unless already present.
func (j *Jobs) ingestOrder(ctx context.Context, res detailFetch) error {
	listing, err := json.Marshal(res.order)
	if err != nil {
		return err
	}
	merged, err := mergeDocuments(listing, res.detail.Raw)
	if err != nil {
		return err
	}

	ttl := time.Duration(res.order.RemainingSeconds) * time.Second
	if ttl <= 0 {
		ttl = ttlFromDeadline(res.order.LastTicketTime, time.Now())
	}
	if err := j.Cache.Set(ctx, res.key, merged, ttl); err != nil {
		return err
	}
	j.Logger.WithFields(logrus.Fields{"order": res.order.ID, "key": res.key, "ttl": ttl.String()}).
		Info("order detail cached")

	if _, err := j.ActivityQueue.AddIfAbsent(ctx, res.key); err != nil {
		return err
	}
	if _, err := j.StateQueue.AddIfAbsent(ctx, res.key); err != nil {
		return err
	}
	return nil
}
