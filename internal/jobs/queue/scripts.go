package queue

import "github.com/redis/go-redis/v9"

// Waiting jobs are scored priority*2^40 - seq so ZPOPMAX yields the highest
// priority first and FIFO within a priority.

// KEYS: wait, paused, delayed, meta, seq
// ARGV: jobPrefix, id, name, kind, data, opts, priority, delayUntil, now, repeatKey
var addJobScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if redis.call("EXISTS", jobKey) == 1 then
  return 0
end
local seq = redis.call("INCR", KEYS[5])
local state
if tonumber(ARGV[8]) > tonumber(ARGV[9]) then
  redis.call("ZADD", KEYS[3], ARGV[8], ARGV[2])
  state = "delayed"
else
  local score = tonumber(ARGV[7]) * 1099511627776 - seq
  if redis.call("HGET", KEYS[4], "paused") == "1" then
    redis.call("ZADD", KEYS[2], score, ARGV[2])
    state = "paused"
  else
    redis.call("ZADD", KEYS[1], score, ARGV[2])
    state = "waiting"
  end
end
redis.call("HSET", jobKey,
  "id", ARGV[2], "name", ARGV[3], "kind", ARGV[4], "data", ARGV[5], "opts", ARGV[6],
  "priority", ARGV[7], "state", state, "attemptsMade", "0", "attemptsStarted", "0", "stalledCount", "0",
  "createdAt", ARGV[9], "repeatKey", ARGV[10])
return 1
`)

// Each claim stores a fresh lockToken; later transitions must present it.
// KEYS: wait, active, meta
// ARGV: jobPrefix, now, lockUntil, token
var moveToActiveScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], "paused") == "1" then
  return false
end
local popped = redis.call("ZPOPMAX", KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local jobKey = ARGV[1] .. id
if redis.call("EXISTS", jobKey) == 0 then
  return false
end
redis.call("ZADD", KEYS[2], ARGV[3], id)
redis.call("HINCRBY", jobKey, "attemptsStarted", 1)
redis.call("HSET", jobKey, "state", "active", "processedAt", ARGV[2], "lockToken", ARGV[4])
return redis.call("HGETALL", jobKey)
`)

// KEYS: active
// ARGV: jobPrefix, id, lockUntil, token
var extendLockScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[1], ARGV[2]) then
  return 0
end
if redis.call("HGET", ARGV[1] .. ARGV[2], "lockToken") ~= ARGV[4] then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[2])
return 1
`)

// ARGV: jobKey, progress
var updateProgressScript = redis.NewScript(`
if redis.call("EXISTS", ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", ARGV[1], "progress", ARGV[2])
return 1
`)

// KEYS: active, completed
// ARGV: jobPrefix, id, returnValue, now, token
var moveToCompletedScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if not redis.call("ZSCORE", KEYS[1], ARGV[2]) then
  return 0
end
if redis.call("HGET", jobKey, "lockToken") ~= ARGV[5] then
  return 0
end
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
redis.call("HINCRBY", jobKey, "attemptsMade", 1)
redis.call("HDEL", jobKey, "lockToken")
redis.call("HSET", jobKey, "state", "completed", "returnValue", ARGV[3], "finishedAt", ARGV[4])
return 1
`)

// Returns 1 when retried, 0 when terminally failed, -1 when the lock was lost.
// KEYS: active, delayed, failed
// ARGV: jobPrefix, id, reason, now, retryAt, attempts, token
var moveToFailedScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if not redis.call("ZSCORE", KEYS[1], ARGV[2]) then
  return -1
end
if redis.call("HGET", jobKey, "lockToken") ~= ARGV[7] then
  return -1
end
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HDEL", jobKey, "lockToken")
local made = redis.call("HINCRBY", jobKey, "attemptsMade", 1)
redis.call("HSET", jobKey, "failedReason", ARGV[3])
if made < tonumber(ARGV[6]) then
  redis.call("ZADD", KEYS[2], ARGV[5], ARGV[2])
  redis.call("HSET", jobKey, "state", "delayed")
  return 1
end
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])
redis.call("HSET", jobKey, "state", "failed", "finishedAt", ARGV[4])
return 0
`)

// KEYS: delayed, wait, paused, meta, seq
// ARGV: jobPrefix, now, limit
var promoteDelayedScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
local target = KEYS[2]
local state = "waiting"
if redis.call("HGET", KEYS[4], "paused") == "1" then
  target = KEYS[3]
  state = "paused"
end
for _, id in ipairs(ids) do
  local jobKey = ARGV[1] .. id
  redis.call("ZREM", KEYS[1], id)
  local prio = tonumber(redis.call("HGET", jobKey, "priority") or "1") or 1
  local seq = redis.call("INCR", KEYS[5])
  redis.call("ZADD", target, prio * 1099511627776 - seq, id)
  redis.call("HSET", jobKey, "state", state)
end
return #ids
`)

// Returns a flat list of id, outcome pairs where outcome is "recovered" or "failed".
// KEYS: active, wait, failed, paused, meta, seq
// ARGV: jobPrefix, now, maxStalled, reason
var recoverStalledScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
local out = {}
local target = KEYS[2]
local state = "waiting"
if redis.call("HGET", KEYS[5], "paused") == "1" then
  target = KEYS[4]
  state = "paused"
end
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  local jobKey = ARGV[1] .. id
  redis.call("HDEL", jobKey, "lockToken")
  local stalled = redis.call("HINCRBY", jobKey, "stalledCount", 1)
  if stalled > tonumber(ARGV[3]) then
    redis.call("ZADD", KEYS[3], ARGV[2], id)
    redis.call("HSET", jobKey, "state", "failed", "failedReason", ARGV[4], "finishedAt", ARGV[2])
    table.insert(out, id)
    table.insert(out, "failed")
  else
    local prio = tonumber(redis.call("HGET", jobKey, "priority") or "1") or 1
    local seq = redis.call("INCR", KEYS[6])
    redis.call("ZADD", target, prio * 1099511627776 - seq, id)
    redis.call("HSET", jobKey, "state", state)
    table.insert(out, id)
    table.insert(out, "recovered")
  end
end
return out
`)

// Moves every member of one set into another and flips the paused flag.
// KEYS: from, to, meta
// ARGV: jobPrefix, paused flag ("1" or ""), state
var moveAllScript = redis.NewScript(`
if ARGV[2] == "1" then
  redis.call("HSET", KEYS[3], "paused", "1")
else
  redis.call("HDEL", KEYS[3], "paused")
end
local items = redis.call("ZRANGE", KEYS[1], 0, -1, "WITHSCORES")
local moved = 0
for i = 1, #items, 2 do
  redis.call("ZADD", KEYS[2], items[i + 1], items[i])
  redis.call("HSET", ARGV[1] .. items[i], "state", ARGV[3])
  moved = moved + 1
end
redis.call("DEL", KEYS[1])
return moved
`)

// Removes a job that has not been claimed yet, whether it is delayed or
// already promoted to waiting or paused.
// KEYS: delayed, wait, paused
// ARGV: jobPrefix, id
var removePendingScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call("ZREM", key, ARGV[2]) == 1 then
    redis.call("DEL", ARGV[1] .. ARGV[2])
    return 1
  end
end
return 0
`)
