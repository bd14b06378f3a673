package orderwatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/mmdatafocus/farewatch_backend/redisq"
)

func newTestJobs(t *testing.T) (*Jobs, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &Jobs{
		Logger:        logger,
		Cache:         redisq.NewCache(client),
		ActivityQueue: redisq.NewQueue(client, ActivityQueueName()),
		StateQueue:    redisq.NewQueue(client, StateQueueName()),
	}, mr
}

func testParams(t *testing.T, platformURL string) Params {
	t.Helper()
	u, err := url.Parse(platformURL)
	require.NoError(t, err)
	p := DefaultParams()
	p.Domain = u.Host
	p.Protocol = "http"
	p.FareDomain = u.Host
	p.FareProtocol = "http"
	p.RobotDomain = u.Host
	p.RobotProtocol = "http"
	p.TimeoutSeconds = 5
	p.Semaphore = 4
	return p
}

func seedLoginState(t *testing.T, j *Jobs, userID string) {
	t.Helper()
	state := `{"cookies":[{"name":"sid","value":"test-session"}]}`
	require.NoError(t, j.Cache.Set(context.Background(), LoginStateKey(userID), state, time.Hour))
}

func writeJSON(t *testing.T, w http.ResponseWriter, code int, message string, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": message,
		"data":    data,
	}))
}

func TestFetchActivityOrdersIngestsNewOrder(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJobs(t)
	seedLoginState(t, j, "")

	listing := RemoteOrder{
		ID:               153471,
		CodeDep:          "CAN",
		CodeArr:          "WUS",
		DatDep:           "2025-12-01",
		FlightNo:         "SC4674",
		Cabin:            "S",
		SourceName:       "qunar",
		RemainingSeconds: 600,
	}
	detailCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/order/activity/table":
			assert.Contains(t, r.Header.Get("Cookie"), "sid=test-session")
			writeJSON(t, w, 200, "ok", map[string]any{"data": []RemoteOrder{listing}})
		case "/api/order/detail":
			detailCalls++
			assert.Equal(t, "153471", r.URL.Query().Get("order_id"))
			writeJSON(t, w, 200, "get order ticketing detail success", map[string]any{
				"id":         153471,
				"stat_order": "WaitTicket",
				"flights": []map[string]any{{
					"flight_no": "SC4674",
					"code_dep":  "CAN",
					"code_arr":  "WUS",
					"dat_dep":   "2025-12-01T00:30:00Z",
					"cabin":     "S",
				}},
				"peoples": []map[string]any{{
					"p_name":     "test passenger",
					"price_std":  680,
					"price_sell": 512,
				}},
			})
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	summary, err := j.FetchActivityOrders(ctx, testParams(t, srv.URL))
	require.NoError(t, err)
	assert.Contains(t, summary, "listed=1 ingested=1 failed=0")
	assert.Equal(t, 1, detailCalls)

	key := BuildOrderKey(KeyFields{
		DepCity: "CAN", ArrCity: "WUS", DepDate: "2025-12-01",
		FlightNo: "SC4674", Cabin: "S", OrderID: "153471",
	})

	// The cached document carries listing and detail fields merged.
	var cached cachedOrder
	ok, err := j.Cache.GetJSON(ctx, key, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 153471, cached.ID)
	assert.Equal(t, "qunar", cached.SourceName)
	assert.Equal(t, "WaitTicket", cached.StatOrder)
	require.Len(t, cached.Flights, 1)
	require.Len(t, cached.Peoples, 1)

	ttl, err := j.Cache.TTL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, ttl, "TTL comes from the listing's remaining time")

	// Exactly one token per queue.
	pending, err := j.ActivityQueue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, pending)
	pending, err = j.StateQueue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, pending)
}

func TestFetchActivityOrdersEvictsStale(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJobs(t)
	seedLoginState(t, j, "")

	staleKey := BuildOrderKey(KeyFields{
		DepCity: "PEK", ArrCity: "SHA", DepDate: "2025-11-02",
		FlightNo: "CA1501", Cabin: "Y", OrderID: "77",
	})
	require.NoError(t, j.Cache.Set(ctx, staleKey, `{"id":77}`, time.Hour))
	_, err := j.ActivityQueue.AddIfAbsent(ctx, staleKey)
	require.NoError(t, err)
	_, err = j.StateQueue.AddIfAbsent(ctx, staleKey)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/order/activity/table":
			writeJSON(t, w, 200, "ok", map[string]any{"data": []RemoteOrder{}})
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	summary, err := j.FetchActivityOrders(ctx, testParams(t, srv.URL))
	require.NoError(t, err)
	assert.NotEqual(t, ResultNoWork, summary)

	members, err := j.ActivityQueue.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
	members, err = j.StateQueue.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	// The cache entry is not deleted, its lifetime is collapsed instead.
	ttl, err := j.Cache.TTL(ctx, staleKey)
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Second)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestFetchActivityOrdersEvictsStaleFromSingleQueue(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJobs(t)
	seedLoginState(t, j, "")

	// The price job already retired its token; only the state queue still
	// tracks the key.
	staleKey := BuildOrderKey(KeyFields{
		DepCity: "PEK", ArrCity: "SHA", DepDate: "2025-11-02",
		FlightNo: "CA1501", Cabin: "Y", OrderID: "77",
	})
	require.NoError(t, j.Cache.Set(ctx, staleKey, `{"id":77}`, time.Hour))
	_, err := j.StateQueue.AddIfAbsent(ctx, staleKey)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/order/activity/table":
			writeJSON(t, w, 200, "ok", map[string]any{"data": []RemoteOrder{}})
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	summary, err := j.FetchActivityOrders(ctx, testParams(t, srv.URL))
	require.NoError(t, err)
	assert.NotEqual(t, ResultNoWork, summary)

	members, err := j.StateQueue.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	ttl, err := j.Cache.TTL(ctx, staleKey)
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Second)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestFetchActivityOrdersAlreadyTracked(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJobs(t)
	seedLoginState(t, j, "")

	listing := RemoteOrder{
		ID: 88, CodeDep: "CAN", CodeArr: "WUS", DatDep: "2025-12-01",
		FlightNo: "SC4674", Cabin: "S", RemainingSeconds: 600,
	}
	key := BuildOrderKey(KeyFields{
		DepCity: "CAN", ArrCity: "WUS", DepDate: "2025-12-01",
		FlightNo: "SC4674", Cabin: "S", OrderID: "88",
	})
	_, err := j.ActivityQueue.AddIfAbsent(ctx, key)
	require.NoError(t, err)
	_, err = j.StateQueue.AddIfAbsent(ctx, key)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/order/activity/table":
			writeJSON(t, w, 200, "ok", map[string]any{"data": []RemoteOrder{listing}})
		default:
			t.Errorf("tracked order must not trigger a detail fetch, got %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	summary, err := j.FetchActivityOrders(ctx, testParams(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, ResultNoWork, summary)
}

func TestFetchActivityOrdersDetailFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestJobs(t)
	seedLoginState(t, j, "")

	orders := []RemoteOrder{
		{ID: 1, CodeDep: "CAN", CodeArr: "WUS", DatDep: "2025-12-01", FlightNo: "SC4674", Cabin: "S", RemainingSeconds: 600},
		{ID: 2, CodeDep: "PEK", CodeArr: "SHA", DatDep: "2025-12-02", FlightNo: "CA1501", Cabin: "Y", RemainingSeconds: 600},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/order/activity/table":
			writeJSON(t, w, 200, "ok", map[string]any{"data": orders})
		case "/api/order/detail":
			if r.URL.Query().Get("order_id") == "1" {
				// Code 200 without the marker is a failure under the dual
				// success contract.
				writeJSON(t, w, 200, "internal error", nil)
				return
			}
			writeJSON(t, w, 200, "get order ticketing detail success", map[string]any{"id": 2})
		}
	}))
	defer srv.Close()

	summary, err := j.FetchActivityOrders(ctx, testParams(t, srv.URL))
	require.NoError(t, err)
	assert.Contains(t, summary, "ingested=1 failed=1")

	members, err := j.ActivityQueue.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	for key := range members {
		assert.Equal(t, "2", ParseOrderKey(key).OrderID)
	}
}

func TestFetchActivityOrdersLoginExpired(t *testing.T) {
	j, _ := newTestJobs(t)
	p := testParams(t, "http://127.0.0.1:1")

	_, err := j.FetchActivityOrders(context.Background(), p)
	require.ErrorIs(t, err, ErrLoginStateExpired)
}

func TestTTLFromDeadline(t *testing.T) {
	now := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Minute, ttlFromDeadline("2025-12-01 10:30:00", now))
	assert.Equal(t, defaultOrderTTL, ttlFromDeadline("", now))
	assert.Equal(t, defaultOrderTTL, ttlFromDeadline("not a timestamp", now))
	assert.Equal(t, defaultOrderTTL, ttlFromDeadline("2025-12-01 09:00:00", now), "past deadline falls back")
}

func TestMergeDocumentsOverlayWins(t *testing.T) {
	merged, err := mergeDocuments(
		json.RawMessage(`{"id":1,"stat_order":"WaitPay","source_name":"qunar"}`),
		json.RawMessage(`{"stat_order":"WaitTicket","peoples":[{"p_name":"x"}]}`),
	)
	require.NoError(t, err)
	assert.Equal(t, "WaitTicket", merged["stat_order"])
	assert.Equal(t, "qunar", merged["source_name"])
	assert.Contains(t, merged, "peoples")
	assert.Equal(t, float64(1), merged["id"])
}

func TestMergeDocumentsRejectsNonObject(t *testing.T) {
	_, err := mergeDocuments(json.RawMessage(`[1,2]`), nil)
	require.Error(t, err)
}
