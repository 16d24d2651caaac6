// Package redisledger keeps the availability ledger in Redis. State changes run as
// Lua scripts so the status check, the overlap check and the write are one
// atomic step on the server.
//
// The ledger needs a single Redis instance (optionally replicated), not
// Redis Cluster: holdScript reads sibling slot hashes whose keys it builds
// inside the script, and those keys may live on other shards. NewLedger
// takes a *redis.Client for that reason.
package redisledger

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"time"

	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	keyPrefix     = "tb:"
	slotPrefix    = keyPrefix + "slot:"
	updatedIndex  = keyPrefix + "slots:updated"
	stalePageSize = 100
)

func slotKey(id string) string { return slotPrefix + id }
func tableKey(id string) string { return keyPrefix + "table:" + id }
func tableSlotsKey(id string) string { return keyPrefix + "table:" + id + ":slots" }
func restaurantTablesKey(id string) string { return keyPrefix + "restaurant:" + id + ":tables" }
func restaurantSlotsKey(id string) string { return keyPrefix + "restaurant:" + id + ":slots" }

// holdScript flips a FREE slot to HELD unless a HELD or BOOKED sibling on the
// same table overlaps it. Sibling keys are built from ARGV[2], so the script
// only works where every key is on one node.
//
// KEYS[1] slot hash, KEYS[2] table slot set, KEYS[3] updated index
// ARGV[1] now (unix ms), ARGV[2] slot key prefix
var holdScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local function reply(code)
  local out = redis.call('HGETALL', KEYS[1])
  table.insert(out, 1, code)
  return out
end
if redis.call('HGET', KEYS[1], 'status') ~= 'FREE' then return reply(0) end
local id = redis.call('HGET', KEYS[1], 'id')
local s = tonumber(redis.call('HGET', KEYS[1], 'start'))
local e = s + tonumber(redis.call('HGET', KEYS[1], 'duration'))
for _, sid in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  if sid ~= id then
    local k = ARGV[2] .. sid
    local st = redis.call('HGET', k, 'status')
    if st == 'HELD' or st == 'BOOKED' then
      local os_ = tonumber(redis.call('HGET', k, 'start'))
      local oe = os_ + tonumber(redis.call('HGET', k, 'duration'))
      if os_ < e and s < oe then return reply(0) end
    end
  end
end
redis.call('HSET', KEYS[1], 'status', 'HELD', 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZADD', KEYS[3], ARGV[1], id)
return reply(1)
`)

// transitionScript moves a slot from ARGV[1] to ARGV[2]. ARGV[1] == '*'
// accepts any status other than the target. A non-empty ARGV[4] must equal
// the slot's version, else the reply code is 2 and nothing changes.
//
// KEYS[1] slot hash, KEYS[2] updated index
// ARGV[1] from, ARGV[2] to, ARGV[3] now (unix ms), ARGV[4] expected version
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local st = redis.call('HGET', KEYS[1], 'status')
local code = 0
if st ~= ARGV[2] and ARGV[4] ~= '' and redis.call('HGET', KEYS[1], 'version') ~= ARGV[4] then
  code = 2
elseif (ARGV[1] == '*' and st ~= ARGV[2]) or st == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
  redis.call('HINCRBY', KEYS[1], 'version', 1)
  redis.call('ZADD', KEYS[2], ARGV[3], redis.call('HGET', KEYS[1], 'id'))
  code = 1
end
local out = redis.call('HGETALL', KEYS[1])
table.insert(out, 1, code)
return out
`)

// closeScript deletes a FREE slot and its index entries.
//
// KEYS[1] slot hash, KEYS[2] table slot set, KEYS[3] restaurant slot zset, KEYS[4] updated index
var closeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'status') ~= 'FREE' then return 0 end
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('ZREM', KEYS[4], id)
return 1
`)

// Ledger implements reservation.Ledger and reservation.Inventory on Redis.
// Times are stored with millisecond precision.
type Ledger struct {
	rdb *redis.Client
	Now func() time.Time
}

func NewLedger(rdb *redis.Client) *Ledger { return &Ledger{rdb: rdb, Now: time.Now} }

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func slotFromHash(h map[string]string) (reservation.Slot, error) {
	capacity, err := strconv.Atoi(h["capacity"])
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("slot %s: capacity: %w", h["id"], err)
	}
	start, err := strconv.ParseInt(h["start"], 10, 64)
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("slot %s: start: %w", h["id"], err)
	}
	dur, err := strconv.ParseInt(h["duration"], 10, 64)
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("slot %s: duration: %w", h["id"], err)
	}
	version, _ := strconv.ParseInt(h["version"], 10, 64)
	updated, _ := strconv.ParseInt(h["updated_at"], 10, 64)
	return reservation.Slot{
		ID:           h["id"],
		TableID:      h["table_id"],
		RestaurantID: h["restaurant_id"],
		Capacity:     capacity,
		Start:        time.UnixMilli(start).UTC(),
		Duration:     time.Duration(dur) * time.Millisecond,
		Status:       reservation.SlotStatus(h["status"]),
		Version:      version,
		UpdatedAt:    time.UnixMilli(updated).UTC(),
	}, nil
}

// scriptReply splits a {code, field, value, ...} script reply.
func scriptReply(res any) (int64, map[string]string, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) == 0 {
		return 0, nil, fmt.Errorf("unexpected script reply %T", res)
	}
	code, ok := arr[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected script code %T", arr[0])
	}
	h := make(map[string]string, (len(arr)-1)/2)
	for i := 1; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		v, _ := arr[i+1].(string)
		h[k] = v
	}
	return code, h, nil
}

func (l *Ledger) AddTable(ctx context.Context, t reservation.Table) (reservation.Table, error) {
	if t.RestaurantID == "" || t.Capacity < 1 {
		return reservation.Table{}, fmt.Errorf("table needs a restaurant and capacity >= 1")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now()
	}
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, tableKey(t.ID),
			"id", t.ID,
			"restaurant_id", t.RestaurantID,
			"name", t.Name,
			"capacity", t.Capacity,
			"created_at", t.CreatedAt.Format(time.RFC3339Nano))
		p.SAdd(ctx, restaurantTablesKey(t.RestaurantID), t.ID)
		return nil
	})
	if err != nil {
		return reservation.Table{}, fmt.Errorf("add table: %w", err)
	}
	return t, nil
}

func (l *Ledger) table(ctx context.Context, id string) (reservation.Table, error) {
	h, err := l.rdb.HGetAll(ctx, tableKey(id)).Result()
	if err != nil {
		return reservation.Table{}, err
	}
	if len(h) == 0 {
		return reservation.Table{}, fmt.Errorf("table %s: %w", id, reservation.ErrTableNotFound)
	}
	return tableFromHash(h)
}

func tableFromHash(h map[string]string) (reservation.Table, error) {
	capacity, err := strconv.Atoi(h["capacity"])
	if err != nil {
		return reservation.Table{}, fmt.Errorf("table %s: capacity: %w", h["id"], err)
	}
	created, _ := time.Parse(time.RFC3339Nano, h["created_at"])
	return reservation.Table{
		ID:           h["id"],
		RestaurantID: h["restaurant_id"],
		Name:         h["name"],
		Capacity:     capacity,
		CreatedAt:    created,
	}, nil
}

func (l *Ledger) Tables(ctx context.Context, restaurantID string) ([]reservation.Table, error) {
	ids, err := l.rdb.SMembers(ctx, restaurantTablesKey(restaurantID)).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, tableKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]reservation.Table, 0, len(ids))
	for _, c := range cmds {
		if len(c.Val()) == 0 {
			continue
		}
		t, err := tableFromHash(c.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (l *Ledger) OpenSlot(ctx context.Context, s reservation.Slot) (reservation.Slot, error) {
	if s.Duration <= 0 || s.Start.IsZero() {
		return reservation.Slot{}, fmt.Errorf("slot needs a start and a positive duration")
	}
	t, err := l.table(ctx, s.TableID)
	if err != nil {
		return reservation.Slot{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.RestaurantID = t.RestaurantID
	s.Capacity = t.Capacity
	s.Start = s.Start.UTC().Truncate(time.Millisecond)
	s.Status = reservation.SlotFree
	s.Version = 1
	s.UpdatedAt = l.now().Truncate(time.Millisecond)

	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, slotKey(s.ID),
			"id", s.ID,
			"table_id", s.TableID,
			"restaurant_id", s.RestaurantID,
			"capacity", s.Capacity,
			"start", s.Start.UnixMilli(),
			"duration", s.Duration.Milliseconds(),
			"status", string(s.Status),
			"version", s.Version,
			"updated_at", s.UpdatedAt.UnixMilli())
		p.SAdd(ctx, tableSlotsKey(s.TableID), s.ID)
		p.ZAdd(ctx, restaurantSlotsKey(s.RestaurantID), &redis.Z{Score: float64(s.Start.UnixMilli()), Member: s.ID})
		p.ZAdd(ctx, updatedIndex, &redis.Z{Score: float64(s.UpdatedAt.UnixMilli()), Member: s.ID})
		return nil
	})
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("open slot: %w", err)
	}
	return s, nil
}

func (l *Ledger) CloseSlot(ctx context.Context, slotID string) error {
	s, err := l.Slot(ctx, slotID)
	if err != nil {
		return err
	}
	code, err := closeScript.Run(ctx, l.rdb,
		[]string{slotKey(slotID), tableSlotsKey(s.TableID), restaurantSlotsKey(s.RestaurantID), updatedIndex}).Int64()
	if err != nil {
		return fmt.Errorf("close slot %s: %w", slotID, err)
	}
	switch code {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	default:
		return fmt.Errorf("close slot %s: %w", slotID, reservation.ErrSlotInUse)
	}
}

func (l *Ledger) Slot(ctx context.Context, slotID string) (reservation.Slot, error) {
	h, err := l.rdb.HGetAll(ctx, slotKey(slotID)).Result()
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, err)
	}
	if len(h) == 0 {
		return reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	return slotFromHash(h)
}

// load fetches slots by id in one round trip. Ids whose hash is gone are skipped.
func (l *Ledger) load(ctx context.Context, ids []string) ([]reservation.Slot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err := l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, slotKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]reservation.Slot, 0, len(ids))
	for _, c := range cmds {
		if len(c.Val()) == 0 {
			continue
		}
		s, err := slotFromHash(c.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Ledger) slotsBetween(ctx context.Context, restaurantID string, from, to time.Time) ([]reservation.Slot, error) {
	ids, err := l.rdb.ZRangeByScore(ctx, restaurantSlotsKey(restaurantID), &redis.ZRangeBy{
		Min: millis(from),
		Max: millis(to),
	}).Result()
	if err != nil {
		return nil, err
	}
	return l.load(ctx, ids)
}

func (l *Ledger) Slots(ctx context.Context, restaurantID string, day time.Time) ([]reservation.Slot, error) {
	from, to := reservation.DayBounds(day)
	// to is exclusive
	out, err := l.slotsBetween(ctx, restaurantID, from, to.Add(-time.Millisecond))
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].TableID < out[j].TableID
	})
	return out, nil
}

func (l *Ledger) StaleSlots(ctx context.Context, status reservation.SlotStatus, before time.Time, limit int) ([]reservation.Slot, error) {
	var out []reservation.Slot
	for offset := int64(0); ; offset += stalePageSize {
		ids, err := l.rdb.ZRangeByScore(ctx, updatedIndex, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    "(" + millis(before),
			Offset: offset,
			Count:  stalePageSize,
		}).Result()
		if err != nil {
			return nil, err
		}
		page, err := l.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			if s.Status != status {
				continue
			}
			out = append(out, s)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if len(ids) < stalePageSize {
			return out, nil
		}
	}
}

// FindCandidates reads the slots starting inside the window plus every slot of
// the tables they belong to, then filters and ranks them.
func (l *Ledger) FindCandidates(ctx context.Context, q reservation.CandidateQuery) iter.Seq2[reservation.Slot, error] {
	return func(yield func(reservation.Slot, error) bool) {
		if err := q.Validate(); err != nil {
			yield(reservation.Slot{}, fmt.Errorf("%w: %v", reservation.ErrInvalidIntent, err))
			return
		}
		inWindow, err := l.slotsBetween(ctx, q.RestaurantID, q.From(), q.To())
		if err != nil {
			yield(reservation.Slot{}, fmt.Errorf("find candidates: %w", err))
			return
		}
		tables := make(map[string]bool)
		for _, s := range inWindow {
			if q.Matches(s) {
				tables[s.TableID] = true
			}
		}
		var all []reservation.Slot
		for tid := range tables {
			ids, err := l.rdb.SMembers(ctx, tableSlotsKey(tid)).Result()
			if err != nil {
				yield(reservation.Slot{}, fmt.Errorf("find candidates: %w", err))
				return
			}
			slots, err := l.load(ctx, ids)
			if err != nil {
				yield(reservation.Slot{}, fmt.Errorf("find candidates: %w", err))
				return
			}
			all = append(all, slots...)
		}
		for _, s := range q.Select(all) {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (l *Ledger) Hold(ctx context.Context, slotID string) (reservation.Slot, error) {
	tableID, err := l.rdb.HGet(ctx, slotKey(slotID), "table_id").Result()
	if err == redis.Nil {
		return reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("hold %s: %w", slotID, err)
	}
	res, err := holdScript.Run(ctx, l.rdb,
		[]string{slotKey(slotID), tableSlotsKey(tableID), updatedIndex},
		l.now().UnixMilli(), slotPrefix).Result()
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("hold %s: %w", slotID, err)
	}
	code, h, err := scriptReply(res)
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("hold %s: %w", slotID, err)
	}
	switch code {
	case 1:
		return slotFromHash(h)
	case -1:
		return reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	default:
		return reservation.Slot{}, fmt.Errorf("hold %s: %w", slotID, reservation.ErrSlotTaken)
	}
}

func (l *Ledger) transition(ctx context.Context, slotID string, from string, to reservation.SlotStatus, version string) (int64, reservation.Slot, error) {
	res, err := transitionScript.Run(ctx, l.rdb,
		[]string{slotKey(slotID), updatedIndex},
		from, string(to), l.now().UnixMilli(), version).Result()
	if err != nil {
		return 0, reservation.Slot{}, err
	}
	code, h, err := scriptReply(res)
	if err != nil {
		return 0, reservation.Slot{}, err
	}
	if code == -1 {
		return code, reservation.Slot{}, fmt.Errorf("slot %s: %w", slotID, reservation.ErrSlotNotFound)
	}
	s, err := slotFromHash(h)
	return code, s, err
}

func (l *Ledger) Commit(ctx context.Context, slotID string) (reservation.Slot, error) {
	code, s, err := l.transition(ctx, slotID, string(reservation.SlotHeld), reservation.SlotBooked, "")
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("commit %s: %w", slotID, err)
	}
	if code != 1 {
		return reservation.Slot{}, fmt.Errorf("commit %s from %s: %w", slotID, s.Status, reservation.ErrInvalidTransition)
	}
	return s, nil
}

// Release frees a HELD or BOOKED slot still at version. Releasing a FREE slot
// returns it unchanged.
func (l *Ledger) Release(ctx context.Context, slotID string, version int64) (reservation.Slot, error) {
	code, s, err := l.transition(ctx, slotID, "*", reservation.SlotFree, strconv.FormatInt(version, 10))
	if err != nil {
		return reservation.Slot{}, fmt.Errorf("release %s: %w", slotID, err)
	}
	if code == 2 {
		return reservation.Slot{}, fmt.Errorf("release %s: at version %d, want %d: %w", slotID, s.Version, version, reservation.ErrSlotChanged)
	}
	return s, nil
}
