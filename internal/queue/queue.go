package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically pops up to N entries from the head of pending and
// pushes them onto processing, returning the raw JSON payloads in the order
// claimed. Implemented as a Lua script so the pop+push pair is one
// broker-side atomic unit (§4.3: "no entry can be lost between pop and
// push").
var claimScript = redis.NewScript(`
local pending = KEYS[1]
local processing = KEYS[2]
local n = tonumber(ARGV[1])
local claimed = {}
for i = 1, n do
	local v = redis.call('LPOP', pending)
	if not v then
		break
	end
	redis.call('RPUSH', processing, v)
	table.insert(claimed, v)
end
return claimed
`)

// ackScript removes exactly the claimed entries from processing. LREM with
// count=1 removes the first matching occurrence so a duplicate payload
// elsewhere in processing is left untouched.
var ackScript = redis.NewScript(`
local processing = KEYS[1]
for i = 1, #ARGV do
	redis.call('LREM', processing, 1, ARGV[i])
end
return #ARGV
`)

// recoverScript drains processing back onto the head of pending, preserving
// order, and reports how many entries moved.
var recoverScript = redis.NewScript(`
local pending = KEYS[1]
local processing = KEYS[2]
local moved = 0
while true do
	local v = redis.call('RPOP', processing)
	if not v then
		break
	end
	redis.call('LPUSH', pending, v)
	moved = moved + 1
end
return moved
`)

// Queue is the per-agent-type Task Queue.
type Queue struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Queue { return &Queue{rdb: rdb} }

func pendingKey(agentType string) string    { return "queue:tasks:" + agentType }
func processingKey(agentType string) string { return "queue:tasks:" + agentType + ":processing" }

// Submit appends a task to the tail of the pending list.
func (q *Queue) Submit(ctx context.Context, agentType string, t Task) error {
	raw, err := marshalTask(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.RPush(ctx, pendingKey(agentType), raw).Err(); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	return nil
}

// Claim atomically pops up to n entries from pending onto processing and
// returns them parsed, in claim order.
func (q *Queue) Claim(ctx context.Context, agentType string, n int) ([]Task, error) {
	res, err := claimScript.Run(ctx, q.rdb, []string{pendingKey(agentType), processingKey(agentType)}, n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	out := make([]Task, 0, len(res))
	for _, raw := range res {
		t, err := unmarshalTask(raw)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Ack removes exactly the claimed tasks from processing. A loop either acks
// the whole batch or leaves the whole batch in processing (§4.3); callers
// must pass every task from the corresponding Claim call.
func (q *Queue) Ack(ctx context.Context, agentType string, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	raws := make([]interface{}, 0, len(tasks))
	for _, t := range tasks {
		raw, err := marshalTask(t)
		if err != nil {
			continue
		}
		raws = append(raws, raw)
	}
	if err := ackScript.Run(ctx, q.rdb, []string{processingKey(agentType)}, raws...).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Recover drains processing back onto the head of pending, preserving
// order, and returns the count moved. Called on daemon startup (§4.1 step
// 5, §4.3 Recover()).
func (q *Queue) Recover(ctx context.Context, agentType string) (int64, error) {
	n, err := recoverScript.Run(ctx, q.rdb, []string{pendingKey(agentType), processingKey(agentType)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	return n, nil
}

// Count returns the length of the pending list.
func (q *Queue) Count(ctx context.Context, agentType string) (int64, error) {
	n, err := q.rdb.LLen(ctx, pendingKey(agentType)).Result()
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Peek returns (without removing) up to n entries from the head of pending,
// used to determine the highest priority present before scheduling the
// next loop (§4.3 priority-delay scheduling).
func (q *Queue) Peek(ctx context.Context, agentType string, n int) ([]Task, error) {
	raws, err := q.rdb.LRange(ctx, pendingKey(agentType), 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	out := make([]Task, 0, len(raws))
	for _, raw := range raws {
		t, err := unmarshalTask(raw)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ProcessingCount returns the length of the in-flight processing list,
// mainly useful for tests and health checks.
func (q *Queue) ProcessingCount(ctx context.Context, agentType string) (int64, error) {
	n, err := q.rdb.LLen(ctx, processingKey(agentType)).Result()
	if err != nil {
		return 0, fmt.Errorf("processing count: %w", err)
	}
	return n, nil
}
