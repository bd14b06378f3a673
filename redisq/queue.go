package redisq

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Queue is a reliable work queue over a pair of Redis lists. A token lives in
// exactly one of pending or processing, or is absent; the transitions that
// touch both lists run as server-side scripts so a crashed worker can never
// strand a token between them. Recover moves everything a dead worker left in
// processing back to pending, so consumers must call it before popping.
//
// Attaching to an existing queue by name is safe; the lists are shared state
// whose lifetime is the store's, not the process's.
type Queue struct {
	rdb  *redis.Client
	name string
}

func NewQueue(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingKey() string    { return q.name + ":pending" }
func (q *Queue) processingKey() string { return q.name + ":processing" }

// KEYS[1] = pending, KEYS[2] = processing for every script below.

var popScript = redis.NewScript(`
local task = redis.call('RPOP', KEYS[1])
if task then
	redis.call('LPUSH', KEYS[2], task)
	return task
end
return false
`)

var requeueScript = redis.NewScript(`
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

var finishScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[2], 1, ARGV[1])
if removed == 0 then
	removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
end
return removed
`)

var recoverScript = redis.NewScript(`
local moved = 0
local task = redis.call('RPOP', KEYS[2])
while task do
	redis.call('LPUSH', KEYS[1], task)
	moved = moved + 1
	task = redis.call('RPOP', KEYS[2])
end
return moved
`)

var addIfAbsentScript = redis.NewScript(`
local function contains(key, value)
	local items = redis.call('LRANGE', key, 0, -1)
	for _, item in ipairs(items) do
		if item == value then
			return true
		end
	end
	return false
end
if contains(KEYS[1], ARGV[1]) or contains(KEYS[2], ARGV[1]) then
	return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

func (q *Queue) keys() []string {
	return []string{q.pendingKey(), q.processingKey()}
}

// Add pushes token to the head of pending. Duplicate adds are not deduped;
// consumers must tolerate seeing the same token twice.
func (q *Queue) Add(ctx context.Context, token string) error {
	return q.rdb.LPush(ctx, q.pendingKey(), token).Err()
}

// AddIfAbsent pushes token to the head of pending unless it is already
// tracked in either list. Reports whether the token was added.
func (q *Queue) AddIfAbsent(ctx context.Context, token string) (bool, error) {
	added, err := addIfAbsentScript.Run(ctx, q.rdb, q.keys(), token).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Pop atomically moves one token from the tail of pending to the head of
// processing and returns it. An empty queue returns ("", nil).
func (q *Queue) Pop(ctx context.Context) (string, error) {
	token, err := popScript.Run(ctx, q.rdb, q.keys()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// Finish removes one occurrence of token: from processing if it is there,
// otherwise from pending. Tracking of the token stops.
func (q *Queue) Finish(ctx context.Context, token string) error {
	return finishScript.Run(ctx, q.rdb, q.keys(), token).Err()
}

// Requeue returns a popped token to the head of pending for the next cycle.
func (q *Queue) Requeue(ctx context.Context, token string) error {
	return requeueScript.Run(ctx, q.rdb, q.keys(), token).Err()
}

// Recover moves every token stranded in processing back to the head of
// pending and returns how many were moved. Calling it on an empty processing
// list is a no-op.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	return recoverScript.Run(ctx, q.rdb, q.keys()).Int()
}

// Pending returns the pending list, head first.
func (q *Queue) Pending(ctx context.Context) ([]string, error) {
	return q.rdb.LRange(ctx, q.pendingKey(), 0, -1).Result()
}

// Processing returns the processing list, head first.
func (q *Queue) Processing(ctx context.Context) ([]string, error) {
	return q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
}

// Members returns the set of every tracked token across both lists.
func (q *Queue) Members(ctx context.Context) (map[string]struct{}, error) {
	members := make(map[string]struct{})
	pending, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := q.Processing(ctx)
	if err != nil {
		return nil, err
	}
	for _, token := range pending {
		members[token] = struct{}{}
	}
	for _, token := range processing {
		members[token] = struct{}{}
	}
	return members, nil
}
