package repo

import (
	"github.com/redis/go-redis/v9"
)

// Preloaded Lua scripts.

// incrExpireScript bumps a counter and sets its TTL only on first
// touch, so the bucket expires relative to its creation.
var incrExpireScript = redis.NewScript(`
	local cnt = redis.call('INCRBY', KEYS[1], ARGV[1])
	if cnt == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return cnt
`)

// addExpireScript is the float variant used for duration sums.
var addExpireScript = redis.NewScript(`
	local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return v
`)

// receiveScript drains one batch:
//  1. requeue processing entries whose visibility deadline passed
//  2. promote delayed entries whose ready time has passed
//  3. move up to ARGV[2] payloads from ready to processing, scored
//     with a fresh visibility deadline
//
// Keeping all steps in one script means a consumer crash between
// fetch and ack parks the payload in processing only until its
// deadline, after which a later batch redelivers it.
var receiveScript = redis.NewScript(`
-- KEYS[1] = delayed zset
-- KEYS[2] = ready list
-- KEYS[3] = processing zset (scored by visibility deadline)
-- ARGV[1] = now_ms
-- ARGV[2] = max batch size
-- ARGV[3] = visibility deadline (epoch ms) for this batch

local expired = redis.call('ZRANGEBYSCORE', KEYS[3], 0, ARGV[1])
if #expired > 0 then
  for _, v in ipairs(expired) do
    redis.call('RPUSH', KEYS[2], v)
  end
  redis.call('ZREMRANGEBYSCORE', KEYS[3], 0, ARGV[1])
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if #due > 0 then
  for _, v in ipairs(due) do
    redis.call('RPUSH', KEYS[2], v)
  end
  redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
end

local out = {}
local max = tonumber(ARGV[2])
for i = 1, max do
  local v = redis.call('LPOP', KEYS[2])
  if not v then break end
  redis.call('ZADD', KEYS[3], ARGV[3], v)
  out[#out + 1] = v
end
return out
`)
