package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bitbucket.org/mmdatafocus/farewatch_backend/config"
	"bitbucket.org/mmdatafocus/farewatch_backend/orderwatch"
	"bitbucket.org/mmdatafocus/farewatch_backend/redisq"
)

// runjob executes a single job invocation from the command line, outside the
// scheduler, with the same parameter handling as a trigger.
func main() {
	jobName := flag.String("job", "", "Required: fetch-activity-orders | price-comparison | order-state | evict-expiring")
	paramsJSON := flag.String("params", "", "Optional: flat trigger params as JSON, overriding env defaults")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall invocation deadline")
	flag.Parse()

	godotenv.Load()
	logger := config.NewLogger()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := config.NewRedisClient(ctx, logger)
	if err != nil {
		config.LogError(logger, "runjob", "main", "redis connect", nil, err)
		os.Exit(1)
	}
	defer client.Close()

	jobs := &orderwatch.Jobs{
		Logger:        logger,
		Cache:         redisq.NewCache(client),
		ActivityQueue: redisq.NewQueue(client, orderwatch.ActivityQueueName()),
		StateQueue:    redisq.NewQueue(client, orderwatch.StateQueueName()),
	}

	params, err := orderwatch.ParseParams([]byte(*paramsJSON))
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid params:", err)
		os.Exit(1)
	}

	var result string
	switch strings.TrimSpace(*jobName) {
	case "fetch-activity-orders":
		result, err = jobs.FetchActivityOrders(ctx, params)
	case "price-comparison":
		result, err = jobs.ComparePrices(ctx, params)
	case "order-state":
		result, err = jobs.ReconcileOrderState(ctx, params)
	case "evict-expiring":
		result, err = jobs.EvictExpiring(ctx, params)
	default:
		fmt.Fprintln(os.Stderr, "--job must name a known job")
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		config.LogError(logger, "runjob", "main", *jobName, nil, err)
		os.Exit(1)
	}

	out, _ := json.Marshal(map[string]string{"result": result})
	fmt.Println(string(out))
}
