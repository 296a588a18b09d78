package ratelimit

// tokenBucketLuaScript consumes cost tokens from every bandwidth of one bucket atomically.
//
// KEYS[1]  bucket key
// ARGV[1]  now in milliseconds
// ARGV[2]  cost
// ARGV[3]  minimum key TTL in milliseconds
// ARGV[4]  number of bandwidths n
// then n triples of capacity, window in milliseconds, refill strategy
//
// Hash fields t<i> and l<i> hold tokens and last refill of bandwidth i.
// Returns {allowed, remaining, wait_ms, reset_ms}: remaining of the tightest
// bandwidth and the time until every bandwidth holds at least one token.
const tokenBucketLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

local fields = {}
for i = 1, n do
  fields[#fields + 1] = 't' .. i
  fields[#fields + 1] = 'l' .. i
end
local state = redis.call('HMGET', key, unpack(fields))

local caps, wins, strategies, tokens, lasts = {}, {}, {}, {}, {}
local allowed = 1
for i = 1, n do
  local base = 4 + (i - 1) * 3
  local cap = tonumber(ARGV[base + 1])
  local win = tonumber(ARGV[base + 2])
  local strategy = ARGV[base + 3]
  local t = tonumber(state[(i - 1) * 2 + 1])
  local last = tonumber(state[(i - 1) * 2 + 2])
  if t == nil or last == nil then
    t = cap
    last = now
  end
  local elapsed = now - last
  if elapsed > 0 then
    if strategy == 'interval' then
      if elapsed >= win then
        t = cap
        last = last + math.floor(elapsed / win) * win
      end
    else
      t = t + elapsed * cap / win
      last = now
    end
  end
  if t > cap then
    t = cap
  end
  if t < cost then
    allowed = 0
  end
  caps[i] = cap
  wins[i] = win
  strategies[i] = strategy
  tokens[i] = t
  lasts[i] = last
end

local function until_full(i)
  if tokens[i] >= caps[i] then
    return 0
  end
  if strategies[i] == 'interval' then
    return lasts[i] + wins[i] - now
  end
  return math.ceil((caps[i] - tokens[i]) * wins[i] / caps[i])
end

local function until_next(i)
  if tokens[i] >= 1 then
    return 0
  end
  if strategies[i] == 'interval' then
    return lasts[i] + wins[i] - now
  end
  return math.ceil((1 - tokens[i]) * wins[i] / caps[i])
end

local wait = 0
for i = 1, n do
  if allowed == 1 then
    tokens[i] = tokens[i] - cost
  elseif tokens[i] < cost then
    local w
    if cost > caps[i] then
      w = wins[i]
    elseif strategies[i] == 'interval' then
      w = lasts[i] + wins[i] - now
    else
      w = math.ceil((cost - tokens[i]) * wins[i] / caps[i])
    end
    if w > wait then
      wait = w
    end
  end
end

local tightest = 1
for i = 2, n do
  if tokens[i] < tokens[tightest] then
    tightest = i
  end
end

local expire = ttl
local values = {}
for i = 1, n do
  values[#values + 1] = 't' .. i
  values[#values + 1] = tostring(tokens[i])
  values[#values + 1] = 'l' .. i
  values[#values + 1] = tostring(lasts[i])
  local full = until_full(i)
  if full > expire then
    expire = full
  end
end
redis.call('HSET', key, unpack(values))
redis.call('PEXPIRE', key, expire)

local remaining = math.floor(tokens[tightest])
if remaining < 0 then
  remaining = 0
end
local reset = 0
for i = 1, n do
  local r = until_next(i)
  if r > reset then
    reset = r
  end
end
return {allowed, remaining, wait, reset}
`
