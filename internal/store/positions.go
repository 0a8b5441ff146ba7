package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleettrack-svr/internal/fleet"
)

// Key layout. The latest index and the GEO set exist so that "latest for
// vehicle" and "latest within a radius" never scan the trail.
//
//	pos:<id>            JSON document of one immutable report
//	veh:<code>:trail    ZSET, score = acquisition unix-millis, member = id
//	veh:<code>:latest   id of the single report flagged latest
//	fleet:latest        GEO set keyed by vehicle code, latest positions only
const geoKey = "fleet:latest"

func posKey(id string) string            { return "pos:" + id }
func trailKey(vehicleCode string) string { return "veh:" + vehicleCode + ":trail" }
func latestKey(vehicleCode string) string {
	return "veh:" + vehicleCode + ":latest"
}

// PositionStore is the Redis adapter for the position trail and the latest
// projection. All writes that touch the latest flag must run under the
// vehicle's lease; the adapter itself does not lock.
type PositionStore struct {
	rdb *redis.Client
}

func NewPositionStore(rdb *redis.Client) *PositionStore {
	return &PositionStore{rdb: rdb}
}

// GetLatest returns the vehicle's latest report, or nil when the vehicle has
// no latest (never reported, or mid-swap under a writer's lease).
func (s *PositionStore) GetLatest(ctx context.Context, vehicleCode string) (*fleet.PositionReport, error) {
	id, err := s.rdb.Get(ctx, latestKey(vehicleCode)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, transientErr("get latest "+vehicleCode, err)
	}
	return s.getDoc(ctx, id)
}

// Append stores a report on the vehicle's trail. With demoteCurrentLatest the
// report also becomes the vehicle's latest via the ordered demote-then-insert
// swap: the old latest loses its flag and leaves the index before the new
// report is written with the flag set, so two reports are never flagged at
// once. The transient no-latest window in between is covered by the caller's
// lease. Without demoteCurrentLatest the report is trail-only (stale path).
func (s *PositionStore) Append(ctx context.Context, rep *fleet.PositionReport, demoteCurrentLatest bool) error {
	if demoteCurrentLatest {
		cur, err := s.GetLatest(ctx, rep.VehicleCode)
		if err != nil {
			return err
		}
		// Re-appending the report that already is the latest resumes a
		// half-finished swap (same-writer retry): skip the demote and fall
		// through to redo the insert steps, which are all idempotent.
		if cur != nil && cur.ID != rep.ID {
			if !rep.Supersedes(cur) {
				return fmt.Errorf("%w: vehicle %s has latest at %s", fleet.ErrLatestConflict, rep.VehicleCode, cur.AcquiredAt)
			}
			demoted := *cur
			demoted.IsLatest = false
			data, err := json.Marshal(&demoted)
			if err != nil {
				return fmt.Errorf("encode demoted position: %w", err)
			}
			if err := s.rdb.Set(ctx, posKey(cur.ID), data, 0).Err(); err != nil {
				return transientErr("demote latest "+rep.VehicleCode, err)
			}
			if err := s.rdb.Del(ctx, latestKey(rep.VehicleCode)).Err(); err != nil {
				return transientErr("clear latest index "+rep.VehicleCode, err)
			}
		}
	}

	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := s.rdb.Set(ctx, posKey(rep.ID), data, 0).Err(); err != nil {
		return transientErr("insert position "+rep.ID, err)
	}
	if err := s.rdb.ZAdd(ctx, trailKey(rep.VehicleCode), redis.Z{
		Score:  float64(rep.AcquiredAt.UnixMilli()),
		Member: rep.ID,
	}).Err(); err != nil {
		return transientErr("append trail "+rep.VehicleCode, err)
	}

	if demoteCurrentLatest {
		if err := s.rdb.Set(ctx, latestKey(rep.VehicleCode), rep.ID, 0).Err(); err != nil {
			return transientErr("set latest index "+rep.VehicleCode, err)
		}
		if err := s.rdb.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      rep.VehicleCode,
			Longitude: rep.Lon,
			Latitude:  rep.Lat,
		}).Err(); err != nil {
			return transientErr("update geo index "+rep.VehicleCode, err)
		}
	}
	return nil
}

// Trail returns the vehicle's reports with acquisition instant in [from, to],
// stale ones included. Zero from/to mean an unbounded side.
func (s *PositionStore) Trail(ctx context.Context, vehicleCode string, from, to time.Time, ascending bool) ([]fleet.PositionReport, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !from.IsZero() {
		rangeBy.Min = strconv.FormatInt(from.UnixMilli(), 10)
	}
	if !to.IsZero() {
		rangeBy.Max = strconv.FormatInt(to.UnixMilli(), 10)
	}

	var ids []string
	var err error
	if ascending {
		ids, err = s.rdb.ZRangeByScore(ctx, trailKey(vehicleCode), rangeBy).Result()
	} else {
		ids, err = s.rdb.ZRevRangeByScore(ctx, trailKey(vehicleCode), rangeBy).Result()
	}
	if err != nil {
		return nil, transientErr("trail query "+vehicleCode, err)
	}

	out := make([]fleet.PositionReport, 0, len(ids))
	for _, id := range ids {
		rep, err := s.getDoc(ctx, id)
		if err != nil {
			return nil, err
		}
		if rep == nil {
			continue
		}
		out = append(out, *rep)
	}
	return out, nil
}

// Nearest returns vehicles whose latest position is within radiusM meters of
// the query point, nearest first. Only latest-flagged positions are in the
// GEO set, so the restriction holds by construction.
func (s *PositionStore) Nearest(ctx context.Context, lat, lon, radiusM float64) ([]fleet.NearbyVehicle, error) {
	locs, err := s.rdb.GeoRadius(ctx, geoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius:   radiusM,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, transientErr("geo query", err)
	}

	out := make([]fleet.NearbyVehicle, 0, len(locs))
	for _, loc := range locs {
		rep, err := s.GetLatest(ctx, loc.Name)
		if err != nil {
			return nil, err
		}
		if rep == nil {
			continue
		}
		out = append(out, fleet.NearbyVehicle{PositionReport: *rep, DistanceM: loc.Dist})
	}
	return out, nil
}

func (s *PositionStore) getDoc(ctx context.Context, id string) (*fleet.PositionReport, error) {
	data, err := s.rdb.Get(ctx, posKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, transientErr("get position "+id, err)
	}
	var rep fleet.PositionReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", id, err)
	}
	return &rep, nil
}
