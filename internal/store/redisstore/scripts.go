package redisstore

import "github.com/redis/go-redis/v9"

// insertLeaderScript creates the leader hash only if it does not exist.
// KEYS[1]=leader ARGV: nodeId, since, till
var insertLeaderScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'key', 'leader', 'leaderNodeId', ARGV[1],
	'leaderSince', ARGV[2], 'leaderLeaseTill', ARGV[3], 'locked', '0')
return 1
`)

// renewLeaderScript extends the lease while ARGV[1] still holds it.
// KEYS[1]=leader ARGV: nodeId, till
var renewLeaderScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'leaderNodeId') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'leaderLeaseTill', ARGV[2], 'locked', '0')
return 1
`)

// claimLeaderScript locks the lease for a challenger if it still matches
// the observed state.
// KEYS[1]=leader ARGV: expectedNodeId, expectedTill, expectedLocked, claimant
var claimLeaderScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'leaderNodeId', 'leaderLeaseTill', 'locked')
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] or cur[3] ~= ARGV[3] then
	return 0
end
redis.call('HSET', KEYS[1], 'leaderNodeId', ARGV[4], 'locked', '1')
return 1
`)

// takeLeaderScript writes the new term for the node holding the lock.
// KEYS[1]=leader ARGV: nodeId, since, till
var takeLeaderScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'leaderNodeId', 'locked')
if cur[1] ~= ARGV[1] or cur[2] ~= '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'leaderSince', ARGV[2], 'leaderLeaseTill', ARGV[3], 'locked', '0')
return 1
`)

// claimStepScript pops candidate ids until one is still claimable. Row keys
// are built from ARGV[1], which shares the hash tag of KEYS[1].
// KEYS[1]=claimable ARGV: steprun key prefix, nodeId, now ms
var claimStepScript = redis.NewScript(`
while true do
	local id = redis.call('SPOP', KEYS[1])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	local f = redis.call('HMGET', key, 'claimed', 'status')
	if f[1] == '0' and (f[2] == 'NEW' or f[2] == 'RUNNING') then
		redis.call('HSET', key, 'claimed', '1', 'claimingNodeId', ARGV[2], 'lastUpdateAt', ARGV[3])
		return id
	end
end
`)

// releaseStepScript clears a claim held by ARGV[2] and re-indexes the row.
// KEYS[1]=steprun KEYS[2]=claimable ARGV: id, nodeId
var releaseStepScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'claimed', 'claimingNodeId', 'status')
if f[1] ~= '1' or f[2] ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'claimed', '0', 'claimingNodeId', '')
if f[3] == 'NEW' or f[3] == 'RUNNING' then
	redis.call('SADD', KEYS[2], ARGV[1])
end
return 1
`)
