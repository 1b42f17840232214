package redis

import goredis "github.com/redis/go-redis/v9"

// appendScript assigns the next version and writes the stream entry with its
// index references in one step.
//
// KEYS: stream, version, type index, [correlation index]
// ARGV: expected version (-1 disables the check), envelope, index score,
// stream id, max length, ttl in milliseconds
//
// Returns {version, previous}; version is -1 on a failed check.
var appendScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
local expected = tonumber(ARGV[1])
if expected >= 0 and expected ~= current then
  return {-1, current}
end

local version = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], version, version .. '|' .. ARGV[2])

local ref = ARGV[4] .. '|' .. version
for i = 3, #KEYS do
  redis.call('ZADD', KEYS[i], ARGV[3], ref)
end

local maxLen = tonumber(ARGV[5])
if maxLen > 0 then
  local size = redis.call('ZCARD', KEYS[1])
  if size > maxLen then
    redis.call('ZREMRANGEBYRANK', KEYS[1], 0, size - maxLen - 1)
  end
end

if tonumber(ARGV[6]) > 0 then
  for i = 1, #KEYS do
    redis.call('PEXPIRE', KEYS[i], ARGV[6])
  end
end

return {version, current}
`)
