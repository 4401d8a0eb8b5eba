// internal/codegen/templates.go
package codegen

import "strings"

// Lua snippet templates. Placeholders are @NAME@ tokens substituted by
// render; the scripts themselves only touch the whitelisted base, table,
// string, and math libraries plus the injected retrieve() host function.
// Every template ends by returning a result table the executor normalizes.

// render substitutes @NAME@ placeholders. Plain string replacement keeps the
// Lua modulo and format operators out of harm's way.
func render(tpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "@"+k+"@", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// tplScalar covers count, average, sum, min, and max: the aggregate is pushed
// into SQL and the snippet just unwraps the single row.
const tplScalar = `local rows = retrieve([[@SQL@]])
local value = nil
if rows[1] ~= nil then
  value = rows[1].value
end
if value ~= nil then
  value = value * @CONV@
end
return { analysis = "@ANALYSIS@", target = "@TARGET@", value = value, unit = "@UNIT@" }
`

// tplMultiMetric covers scalar aggregates over several metrics at once. The
// metric descriptor list is rendered into the snippet by the generator.
const tplMultiMetric = `local rows = retrieve([[@SQL@]])
local metrics = @METRICS@
local out = {}
for i = 1, #metrics do
  local m = metrics[i]
  local value = nil
  if rows[1] ~= nil then
    value = rows[1][m.key]
  end
  if value ~= nil then
    value = value * m.conv
  end
  out[#out + 1] = { metric = m.metric, value = value, unit = m.unit }
end
return { analysis = "@ANALYSIS@", metrics = out, chart = "bar" }
`

// tplGroupedScalar is the grouped variant: one aggregate row per group value.
const tplGroupedScalar = `local rows = retrieve([[@SQL@]])
local groups = {}
for i = 1, #rows do
  local value = rows[i].value
  if value ~= nil then
    value = value * @CONV@
  end
  groups[#groups + 1] = { group = rows[i].grp, value = value }
end
return { analysis = "@ANALYSIS@", target = "@TARGET@", group_by = "@GROUPBY@", groups = groups, unit = "@UNIT@", chart = "bar" }
`

// tplMedian fetches ordered values and picks the middle in the snippet.
const tplMedian = `local rows = retrieve([[@SQL@]])
local n = #rows
if n == 0 then
  return { analysis = "median", target = "@TARGET@", value = nil, count = 0, unit = "@UNIT@" }
end
local value
local mid = math.floor(n / 2)
if n % 2 == 1 then
  value = rows[mid + 1].value
else
  value = (rows[mid].value + rows[mid + 1].value) / 2
end
return { analysis = "median", target = "@TARGET@", value = value * @CONV@, count = n, unit = "@UNIT@" }
`

// tplSpread computes the sample variance and reports either it or its square
// root, depending on @FINAL@.
const tplSpread = `local rows = retrieve([[@SQL@]])
local n = #rows
if n < 2 then
  return { analysis = "@ANALYSIS@", target = "@TARGET@", value = nil, count = n, unit = "@UNIT@" }
end
local sum = 0
for i = 1, n do
  sum = sum + rows[i].value
end
local mean = sum / n
local ss = 0
for i = 1, n do
  local d = rows[i].value - mean
  ss = ss + d * d
end
local variance = ss / (n - 1)
return { analysis = "@ANALYSIS@", target = "@TARGET@", value = @FINAL@, count = n, unit = "@UNIT@" }
`

// tplPercentChange buckets time-ordered values by month and compares the
// first bucket's mean against the last.
const tplPercentChange = `local rows = retrieve([[@SQL@]])
local order, sums, counts = {}, {}, {}
for i = 1, #rows do
  local bucket = string.sub(tostring(rows[i].ts), 1, 7)
  if sums[bucket] == nil then
    order[#order + 1] = bucket
    sums[bucket] = 0
    counts[bucket] = 0
  end
  sums[bucket] = sums[bucket] + rows[i].value
  counts[bucket] = counts[bucket] + 1
end
if #order < 2 then
  return { analysis = "percent_change", target = "@TARGET@", value = nil, periods = #order }
end
local first = sums[order[1]] / counts[order[1]]
local last = sums[order[#order]] / counts[order[#order]]
if first == 0 then
  return { analysis = "percent_change", target = "@TARGET@", value = nil, periods = #order }
end
return {
  analysis = "percent_change",
  target = "@TARGET@",
  value = (last - first) / first * 100,
  from_period = order[1],
  to_period = order[#order],
  periods = #order,
}
`

// tplTrend emits a monthly series of mean values, ordered by period.
const tplTrend = `local rows = retrieve([[@SQL@]])
local order, sums, counts = {}, {}, {}
for i = 1, #rows do
  local bucket = string.sub(tostring(rows[i].ts), 1, 7)
  if sums[bucket] == nil then
    order[#order + 1] = bucket
    sums[bucket] = 0
    counts[bucket] = 0
  end
  sums[bucket] = sums[bucket] + rows[i].value
  counts[bucket] = counts[bucket] + 1
end
local series = {}
for i = 1, #order do
  local b = order[i]
  series[#series + 1] = { period = b, value = sums[b] / counts[b] * @CONV@ }
end
return { analysis = "trend", target = "@TARGET@", series = series, unit = "@UNIT@", chart = "line" }
`

// tplCorrelation computes the Pearson coefficient over paired samples.
const tplCorrelation = `local rows = retrieve([[@SQL@]])
local n = #rows
if n < 2 then
  return { analysis = "correlation", target = "@TARGET@", second = "@SECOND@", value = nil, count = n }
end
local sx, sy = 0, 0
for i = 1, n do
  sx = sx + rows[i].x
  sy = sy + rows[i].y
end
local mx, my = sx / n, sy / n
local sxy, sxx, syy = 0, 0, 0
for i = 1, n do
  local dx = rows[i].x - mx
  local dy = rows[i].y - my
  sxy = sxy + dx * dy
  sxx = sxx + dx * dx
  syy = syy + dy * dy
end
if sxx == 0 or syy == 0 then
  return { analysis = "correlation", target = "@TARGET@", second = "@SECOND@", value = nil, count = n }
end
return {
  analysis = "correlation",
  target = "@TARGET@",
  second = "@SECOND@",
  value = sxy / math.sqrt(sxx * syy),
  count = n,
  chart = "scatter",
}
`

// tplComparison is the grouped mean plus the pairwise difference when exactly
// two groups come back.
const tplComparison = `local rows = retrieve([[@SQL@]])
local groups = {}
for i = 1, #rows do
  local value = rows[i].value
  if value ~= nil then
    value = value * @CONV@
  end
  groups[#groups + 1] = { group = rows[i].grp, value = value }
end
local difference = nil
if #groups == 2 and groups[1].value ~= nil and groups[2].value ~= nil then
  difference = groups[2].value - groups[1].value
end
return {
  analysis = "comparison",
  target = "@TARGET@",
  group_by = "@GROUPBY@",
  groups = groups,
  difference = difference,
  unit = "@UNIT@",
  chart = "bar",
}
`

// tplTopN wraps the already-limited per-patient rows.
const tplTopN = `local rows = retrieve([[@SQL@]])
local entries = {}
for i = 1, #rows do
  local value = rows[i].value
  if value ~= nil then
    value = value * @CONV@
  end
  entries[#entries + 1] = { patient_id = rows[i].id, value = value }
end
return { analysis = "top_n", target = "@TARGET@", n = @N@, entries = entries, unit = "@UNIT@", chart = "bar" }
`

// tplHistogram buckets numeric values into ten equal-width bins.
const tplHistogram = `local rows = retrieve([[@SQL@]])
local n = #rows
if n == 0 then
  return { analysis = "distribution", target = "@TARGET@", buckets = {}, count = 0, chart = "bar" }
end
local lo, hi = rows[1].value, rows[1].value
for i = 2, n do
  local v = rows[i].value
  if v < lo then lo = v end
  if v > hi then hi = v end
end
if lo == hi then
  return {
    analysis = "distribution",
    target = "@TARGET@",
    buckets = { { low = lo * @CONV@, high = hi * @CONV@, count = n } },
    count = n,
    chart = "bar",
  }
end
local nb = 10
local width = (hi - lo) / nb
local counts = {}
for i = 1, nb do counts[i] = 0 end
for i = 1, n do
  local idx = math.floor((rows[i].value - lo) / width) + 1
  if idx > nb then idx = nb end
  counts[idx] = counts[idx] + 1
end
local buckets = {}
for i = 1, nb do
  buckets[#buckets + 1] = {
    low = (lo + (i - 1) * width) * @CONV@,
    high = (lo + i * width) * @CONV@,
    count = counts[i],
  }
end
return { analysis = "distribution", target = "@TARGET@", buckets = buckets, count = n, chart = "bar" }
`

// tplCategorical counts occurrences per distinct value; used for text and
// boolean distributions where a histogram makes no sense.
const tplCategorical = `local rows = retrieve([[@SQL@]])
local buckets = {}
for i = 1, #rows do
  buckets[#buckets + 1] = { value = rows[i].grp, count = rows[i].value }
end
return { analysis = "distribution", target = "@TARGET@", buckets = buckets, chart = "bar" }
`
