package queue

import "github.com/redis/go-redis/v9"

// Every state transition runs as a single script so that a job is never
// observable in two lists at once. Job and lock keys are derived inside the
// scripts, which ties a queue to one Redis node.

// KEYS: wait, active. ARGV: job key prefix, lock key prefix, token, lock ttl ms, now ms.
var claimScript = redis.NewScript(`
local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if not id then
	return false
end
redis.call("SET", ARGV[2] .. id, ARGV[3], "PX", ARGV[4])
redis.call("HSET", ARGV[1] .. id, "state", "active", "processed_at", ARGV[5])
return id
`)

// KEYS: lock. ARGV: token, ttl ms.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS: active, completed, job, lock. ARGV: token, id, now ms, keep (-1 keeps all), job key prefix.
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[4]) ~= ARGV[1] then
	return -1
end
redis.call("DEL", KEYS[4])
redis.call("LREM", KEYS[1], 0, ARGV[2])
local made = redis.call("HINCRBY", KEYS[3], "attempts_made", 1)
redis.call("HSET", KEYS[3], "state", "completed", "finished_at", ARGV[3])
redis.call("LPUSH", KEYS[2], ARGV[2])
local keep = tonumber(ARGV[4])
if keep > 0 then
	local stale = redis.call("LRANGE", KEYS[2], keep, -1)
	for _, old in ipairs(stale) do
		redis.call("DEL", ARGV[5] .. old)
	end
	redis.call("LTRIM", KEYS[2], 0, keep - 1)
end
return made
`)

// KEYS: active, delayed, failed, job, lock.
// ARGV: token, id, now ms, reason, retry at ms, retryable ("1"/"0").
// Returns -1 when the lock was lost, 1 when a retry was scheduled, 0 when dead-lettered.
var failScript = redis.NewScript(`
if redis.call("GET", KEYS[5]) ~= ARGV[1] then
	return -1
end
redis.call("DEL", KEYS[5])
redis.call("LREM", KEYS[1], 0, ARGV[2])
local made = redis.call("HINCRBY", KEYS[4], "attempts_made", 1)
local max = tonumber(redis.call("HGET", KEYS[4], "max_attempts") or "1")
redis.call("HSET", KEYS[4], "failed_reason", ARGV[4], "finished_at", ARGV[3])
if ARGV[6] == "1" and made < max then
	redis.call("HSET", KEYS[4], "state", "delayed")
	redis.call("ZADD", KEYS[2], ARGV[5], ARGV[2])
	return 1
end
redis.call("HSET", KEYS[4], "state", "failed")
redis.call("LPUSH", KEYS[3], ARGV[2])
return 0
`)

// KEYS: delayed, wait. ARGV: now ms, job key prefix, limit.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
	redis.call("HSET", ARGV[2] .. id, "state", "waiting")
end
return #ids
`)

// KEYS: active, wait, failed. ARGV: job key prefix, lock key prefix, max stalled, now ms, reason.
// Returns {recovered ids, failed ids}.
var stalledScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
local recovered = {}
local failed = {}
for _, id in ipairs(ids) do
	if redis.call("EXISTS", ARGV[2] .. id) == 0 then
		redis.call("LREM", KEYS[1], 0, id)
		local count = redis.call("HINCRBY", ARGV[1] .. id, "stalled_count", 1)
		if count > tonumber(ARGV[3]) then
			redis.call("HSET", ARGV[1] .. id, "state", "failed", "failed_reason", ARGV[5], "finished_at", ARGV[4])
			redis.call("LPUSH", KEYS[3], id)
			table.insert(failed, id)
		else
			redis.call("HSET", ARGV[1] .. id, "state", "waiting")
			redis.call("RPUSH", KEYS[2], id)
			table.insert(recovered, id)
		end
	end
end
return {recovered, failed}
`)

// KEYS: failed, wait, job. ARGV: id.
var retryScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[3], "state", "waiting", "attempts_made", 0, "stalled_count", 0)
redis.call("HDEL", KEYS[3], "failed_reason", "finished_at", "processed_at")
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)
