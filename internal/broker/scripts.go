package broker

import "github.com/redis/go-redis/v9"

// claimScript pops the best-scored pending job whose requirements are
// compatible with the caller's capabilities, moves it into the caller's
// active set, and flips its hash to assigned — all in one server-side round
// trip so at most one worker can observe the claim succeeding.
//
// KEYS[1] = jobs:pending
// ARGV[1] = worker capabilities JSON
// ARGV[2] = worker id
// ARGV[3] = assigned_at (RFC3339)
// ARGV[4] = candidate scan limit
//
// Returns the updated serialized job, or false when nothing matches.
var claimScript = redis.NewScript(`
local caps = cjson.decode(ARGV[1])

local function has(list, v)
  if list == nil then return false end
  for _, item in ipairs(list) do
    if item == v then return true end
  end
  return false
end

local function matches(job)
  if not has(caps.services, job.type) then return false end
  local req = job.requirements
  if req ~= nil and req.hardware ~= nil then
    local hw = caps.hardware or {}
    for k, v in pairs(req.hardware) do
      local wv = hw[k]
      if wv == nil then return false end
      if type(v) == "number" then
        if type(wv) ~= "number" or wv < v then return false end
      else
        if wv ~= v then return false end
      end
    end
  end
  local iso = caps.isolation or "none"
  if iso == "strict" then
    if job.customer_id == nil then return false end
    if not has(caps.allowed_customers, job.customer_id) then return false end
    if has(caps.denied_customers, job.customer_id) then return false end
  elseif iso == "loose" then
    if job.customer_id ~= nil and has(caps.denied_customers, job.customer_id) then return false end
  end
  if req ~= nil and req.region ~= nil and req.region ~= "" then
    if caps.region ~= req.region then return false end
  end
  if req ~= nil and req.compliance_tags ~= nil then
    for _, t in ipairs(req.compliance_tags) do
      if not has(caps.compliance_tags, t) then return false end
    end
  end
  return true
end

if (caps.concurrent_jobs or 1) ~= 1 then
  return false
end

local ids = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[4]) - 1)
for _, id in ipairs(ids) do
  local data = redis.call("HGET", "job:" .. id, "data")
  if data == false then
    redis.call("ZREM", KEYS[1], id)
  else
    local ok, job = pcall(cjson.decode, data)
    if ok and matches(job) then
      redis.call("ZREM", KEYS[1], id)
      job.status = "assigned"
      job.assigned_worker = ARGV[2]
      job.assigned_at = ARGV[3]
      local updated = cjson.encode(job)
      redis.call("HSET", "job:" .. id,
        "data", updated,
        "status", "assigned",
        "assigned_worker", ARGV[2],
        "assigned_at", ARGV[3])
      redis.call("HSET", "jobs:active:" .. ARGV[2], id, updated)
      return updated
    end
  end
end
return false
`)

// setStatusScript updates a job's status in the hash, the canonical data
// JSON, and the owning worker's active-set copy in one step. Terminal
// statuses are refused here; Complete/Fail own those transitions.
//
// KEYS[1] = job:{id}
// ARGV[1] = job id, ARGV[2] = status, ARGV[3] = worker id (may be empty)
var setStatusScript = redis.NewScript(`
local data = redis.call("HGET", KEYS[1], "data")
if data == false then return 0 end
local job = cjson.decode(data)
if job.status == "completed" or job.status == "failed"
  or job.status == "cancelled" or job.status == "timeout" then
  return 0
end
job.status = ARGV[2]
local updated = cjson.encode(job)
redis.call("HSET", KEYS[1], "data", updated, "status", ARGV[2])
if ARGV[3] ~= "" then
  if redis.call("HEXISTS", "jobs:active:" .. ARGV[3], ARGV[1]) == 1 then
    redis.call("HSET", "jobs:active:" .. ARGV[3], ARGV[1], updated)
  end
end
return 1
`)

// completeScript finalizes a successful job: ownership check, active-set
// removal, terminal hash update, and the completion attestation write happen
// atomically. The terminal stream entry is appended afterwards so a reader
// draining the stream always sees a consistent job hash.
//
// KEYS[1] = job:{id}, KEYS[2] = jobs:active:{worker}
// ARGV[1] = worker id, ARGV[2] = job id, ARGV[3] = updated job JSON,
// ARGV[4] = result JSON, ARGV[5] = completed_at, ARGV[6] = attestation key,
// ARGV[7] = attestation JSON, ARGV[8] = attestation TTL seconds
var completeScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "assigned_worker")
if owner ~= ARGV[1] then return 0 end
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "assigned" and status ~= "in_progress" then return 0 end
redis.call("HDEL", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1],
  "data", ARGV[3],
  "status", "completed",
  "completed_at", ARGV[5],
  "result", ARGV[4])
redis.call("SET", ARGV[6], ARGV[7], "EX", tonumber(ARGV[8]))
return 1
`)

// failScript applies a failure outcome. When will_retry is set the job goes
// back to the pending queue at its original priority with retry_count
// incremented; otherwise the job lands on its terminal status. The retry or
// permanent failure attestation (plus the workflow mirror and the
// backwards-compatible completion key for permanent failures) is written in
// the same transaction.
//
// KEYS[1] = job:{id}, KEYS[2] = jobs:pending, KEYS[3] = jobs:active:{worker}
// ARGV[1] = worker id, ARGV[2] = job id, ARGV[3] = will_retry ("1"/"0"),
// ARGV[4] = updated job JSON, ARGV[5] = terminal status, ARGV[6] = retry count,
// ARGV[7] = last error, ARGV[8] = pending score, ARGV[9] = failed_at,
// ARGV[10] = attestation key, ARGV[11] = attestation JSON,
// ARGV[12] = attestation TTL seconds,
// ARGV[13] = workflow attestation key (may be empty),
// ARGV[14] = compat completion key (may be empty)
var failScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "assigned_worker")
if owner ~= ARGV[1] then return 0 end
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "assigned" and status ~= "in_progress" then return 0 end
redis.call("HDEL", KEYS[3], ARGV[2])
if ARGV[3] == "1" then
  redis.call("HSET", KEYS[1],
    "data", ARGV[4],
    "status", "pending",
    "retry_count", ARGV[6],
    "last_error", ARGV[7],
    "assigned_worker", "")
  redis.call("ZADD", KEYS[2], tonumber(ARGV[8]), ARGV[2])
else
  redis.call("HSET", KEYS[1],
    "data", ARGV[4],
    "status", ARGV[5],
    "retry_count", ARGV[6],
    "last_error", ARGV[7],
    "completed_at", ARGV[9])
end
redis.call("SET", ARGV[10], ARGV[11], "EX", tonumber(ARGV[12]))
if ARGV[13] ~= "" then
  redis.call("SET", ARGV[13], ARGV[11], "EX", tonumber(ARGV[12]))
end
if ARGV[14] ~= "" then
  redis.call("SET", ARGV[14], ARGV[11], "EX", tonumber(ARGV[12]))
end
return 1
`)

// cancelScript cancels a pending job immediately, or reports the owning
// worker so the caller can route a cancel command to it.
//
// KEYS[1] = job:{id}, KEYS[2] = jobs:pending
// ARGV[1] = job id, ARGV[2] = reason, ARGV[3] = cancelled_at
//
// Returns {"cancelled"} | {"assigned", worker_id} | {"terminal"} | {"missing"}.
var cancelScript = redis.NewScript(`
local data = redis.call("HGET", KEYS[1], "data")
if data == false then return {"missing"} end
local job = cjson.decode(data)
if job.status == "completed" or job.status == "failed"
  or job.status == "cancelled" or job.status == "timeout" then
  return {"terminal"}
end
if job.status == "pending" then
  redis.call("ZREM", KEYS[2], ARGV[1])
  job.status = "cancelled"
  job.last_error = ARGV[2]
  job.completed_at = ARGV[3]
  local updated = cjson.encode(job)
  redis.call("HSET", KEYS[1],
    "data", updated,
    "status", "cancelled",
    "last_error", ARGV[2],
    "completed_at", ARGV[3])
  return {"cancelled"}
end
return {"assigned", job.assigned_worker or ""}
`)
