package redis

import "github.com/redis/go-redis/v9"

// All scripts take the queue keys in the order returned by keys.all().

// Store the job unless its ID is already known, and queue it right away or delayed.
// - ARGV[1] = job id
// - ARGV[2] = encoded job
// - ARGV[3] = due timestamp in ms, 0 for no delay
var enqueueCmd = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end

if tonumber(ARGV[3]) > 0 then
	redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
else
	redis.call("LPUSH", KEYS[2], ARGV[1])
end

return 1
`)

// Move due delayed jobs and jobs with expired leases to the ready list, then lease the next
// ready job.
// - ARGV[1] = current timestamp in ms
// - ARGV[2] = lease expiration in ms
var dequeueCmd = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[3], id)
	redis.call("LPUSH", KEYS[2], id)
end

local expired = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", "(" .. ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[4], id)
	redis.call("LPUSH", KEYS[2], id)
end

while true do
	local id = redis.call("RPOP", KEYS[2])
	if not id then
		return nil
	end

	local job = redis.call("HGET", KEYS[1], id)
	if job then
		redis.call("ZADD", KEYS[4], ARGV[2], id)
		return job
	end
end
`)

// Renew the lease of a job that is still leased.
// - ARGV[1] = job id
// - ARGV[2] = lease expiration in ms
var extendCmd = redis.NewScript(`
if redis.call("ZSCORE", KEYS[4], ARGV[1]) == false then
	return 0
end

redis.call("ZADD", KEYS[4], "XX", ARGV[2], ARGV[1])
return 1
`)

// Remove a leased job.
// - ARGV[1] = job id
var completeCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[4], ARGV[1]) == 0 then
	return 0
end

redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`)

// Store the updated job and schedule a leased job again.
// - ARGV[1] = job id
// - ARGV[2] = encoded job
// - ARGV[3] = due timestamp in ms
var retryCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[4], ARGV[1]) == 0 then
	return 0
end

redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`)
