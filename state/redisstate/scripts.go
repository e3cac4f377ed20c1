package redisstate

import "github.com/redis/go-redis/v9"

// KEYS: record, pending index, failed index
// ARGV: id, score, now, field/value pairs of the event
var tryBeginScript = redis.NewScript(`
local outcome = redis.call('HGET', KEYS[1], 'outcome')
if not outcome then
	redis.call('HSET', KEYS[1], unpack(ARGV, 4))
	redis.call('HSET', KEYS[1], 'outcome', 'pending', 'attempts', '0', 'reason', '', 'updatedAt', ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
if outcome == 'failed' then
	redis.call('HSET', KEYS[1], 'outcome', 'pending', 'attempts', '0', 'reason', '', 'updatedAt', ARGV[3])
	redis.call('ZREM', KEYS[3], ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Moves a pending record to ARGV[2]. Returns "ok", or the current outcome
// ("" when missing) if the record is not pending.
// KEYS: record, pending index, target index
// ARGV: id, target outcome, now, extra field/value pairs
var transitionScript = redis.NewScript(`
local outcome = redis.call('HGET', KEYS[1], 'outcome')
if not outcome then
	return ''
end
if outcome ~= 'pending' then
	return outcome
end
if #ARGV > 3 then
	redis.call('HSET', KEYS[1], unpack(ARGV, 4))
end
redis.call('HSET', KEYS[1], 'outcome', ARGV[2], 'updatedAt', ARGV[3])
if ARGV[2] == 'pending' then
	redis.call('HINCRBY', KEYS[1], 'attempts', 1)
else
	local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], score or 0, ARGV[1])
end
return 'ok'
`)

// Returns "ok" or the stored block when the proposed one is lower.
// KEYS: cursor; ARGV: block
var setCursorScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return cur
end
redis.call('SET', KEYS[1], ARGV[1])
return 'ok'
`)
