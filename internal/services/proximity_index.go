package services

import (
	"math"
	"sort"
	"sync"

	"nearby-safety-backend/internal/models"
)

const (
	indexShards = 32
	// above this many cells a query scans the position table instead
	maxScanCells = 4096
)

// ProximityMatch is one user found by a radius query
type ProximityMatch struct {
	UserID         string          `json:"user_id"`
	DistanceMeters float64         `json:"distance_meters"`
	Point          models.GeoPoint `json:"-"`
}

type cellKey struct {
	lat int32
	lon int32
}

type indexEntry struct {
	point models.GeoPoint
	cell  cellKey
}

type indexShard struct {
	mu    sync.RWMutex
	cells map[cellKey]map[string]models.GeoPoint
}

// ProximityIndex is a grid over currently sharing users. Cells are spread
// over shards with their own locks, so queries keep running while other
// cells are written.
type ProximityIndex struct {
	cellSize  float64
	lonCells  int32
	latCells  int32
	shards    [indexShards]*indexShard
	userLocks *keyedMutex

	posMu     sync.RWMutex
	positions map[string]indexEntry
}

// NewProximityIndex creates an index with square cells of cellSizeDeg degrees
func NewProximityIndex(cellSizeDeg float64) *ProximityIndex {
	idx := &ProximityIndex{
		cellSize:  cellSizeDeg,
		lonCells:  int32(math.Ceil(360 / cellSizeDeg)),
		latCells:  int32(math.Ceil(180 / cellSizeDeg)),
		userLocks: newKeyedMutex(),
		positions: make(map[string]indexEntry),
	}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{cells: make(map[cellKey]map[string]models.GeoPoint)}
	}
	return idx
}

func (idx *ProximityIndex) cellOf(lat, lon float64) cellKey {
	la := int32(math.Floor((lat + 90) / idx.cellSize))
	if la >= idx.latCells {
		la = idx.latCells - 1
	}
	lo := int32(math.Floor((lon + 180) / idx.cellSize))
	if lo >= idx.lonCells {
		lo = 0
	}
	return cellKey{lat: la, lon: lo}
}

func (idx *ProximityIndex) shardOf(c cellKey) *indexShard {
	h := uint32(c.lat)*2654435761 ^ uint32(c.lon)*40503
	return idx.shards[h%indexShards]
}

// Upsert records a position. Non-sharing users are removed from the index.
func (idx *ProximityIndex) Upsert(userID string, lat, lon float64, sharing bool) {
	if !sharing {
		idx.Remove(userID)
		return
	}

	unlock := idx.userLocks.Lock(userID)
	defer unlock()

	point := models.GeoPoint{Latitude: lat, Longitude: lon}
	cell := idx.cellOf(lat, lon)

	idx.posMu.Lock()
	old, existed := idx.positions[userID]
	idx.positions[userID] = indexEntry{point: point, cell: cell}
	idx.posMu.Unlock()

	if existed && old.cell != cell {
		idx.removeFromCell(userID, old.cell)
	}

	shard := idx.shardOf(cell)
	shard.mu.Lock()
	members, ok := shard.cells[cell]
	if !ok {
		members = make(map[string]models.GeoPoint)
		shard.cells[cell] = members
	}
	members[userID] = point
	shard.mu.Unlock()
}

// Remove drops a user from the index
func (idx *ProximityIndex) Remove(userID string) {
	unlock := idx.userLocks.Lock(userID)
	defer unlock()

	idx.posMu.Lock()
	old, existed := idx.positions[userID]
	delete(idx.positions, userID)
	idx.posMu.Unlock()

	if existed {
		idx.removeFromCell(userID, old.cell)
	}
}

func (idx *ProximityIndex) removeFromCell(userID string, cell cellKey) {
	shard := idx.shardOf(cell)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if members, ok := shard.cells[cell]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(shard.cells, cell)
		}
	}
}

// Position returns the indexed position of a sharing user
func (idx *ProximityIndex) Position(userID string) (models.GeoPoint, bool) {
	idx.posMu.RLock()
	defer idx.posMu.RUnlock()
	e, ok := idx.positions[userID]
	return e.point, ok
}

// Len returns the number of indexed users
func (idx *ProximityIndex) Len() int {
	idx.posMu.RLock()
	defer idx.posMu.RUnlock()
	return len(idx.positions)
}

// Query returns sharing users within radiusMeters of origin, nearest first.
// The origin user is never returned; filter may reject further candidates.
func (idx *ProximityIndex) Query(origin models.GeoPoint, originUserID string, radiusMeters float64, filter func(userID string) bool) []ProximityMatch {
	if radiusMeters <= 0 {
		return []ProximityMatch{}
	}

	matches := make([]ProximityMatch, 0)
	consider := func(userID string, p models.GeoPoint) {
		if userID == originUserID {
			return
		}
		d := HaversineMeters(origin, p)
		if d > radiusMeters {
			return
		}
		matches = append(matches, ProximityMatch{UserID: userID, DistanceMeters: d, Point: p})
	}

	dLat, dLon := boundingBox(origin.Latitude, radiusMeters)
	minCell := idx.cellOf(math.Max(origin.Latitude-dLat, -90), 0)
	maxCell := idx.cellOf(math.Min(origin.Latitude+dLat, 90), 0)
	loStart := int32(math.Floor((origin.Longitude - dLon + 180) / idx.cellSize))
	loEnd := int32(math.Floor((origin.Longitude + dLon + 180) / idx.cellSize))

	latSpan := int64(maxCell.lat-minCell.lat) + 1
	lonSpan := int64(loEnd-loStart) + 1
	if lonSpan > int64(idx.lonCells) {
		lonSpan = int64(idx.lonCells)
		loStart = 0
		loEnd = idx.lonCells - 1
	}

	if latSpan*lonSpan > maxScanCells {
		idx.posMu.RLock()
		for userID, e := range idx.positions {
			consider(userID, e.point)
		}
		idx.posMu.RUnlock()
	} else {
		for la := minCell.lat; la <= maxCell.lat; la++ {
			for lo := loStart; lo <= loEnd; lo++ {
				cell := cellKey{lat: la, lon: ((lo % idx.lonCells) + idx.lonCells) % idx.lonCells}
				shard := idx.shardOf(cell)
				shard.mu.RLock()
				for userID, p := range shard.cells[cell] {
					consider(userID, p)
				}
				shard.mu.RUnlock()
			}
		}
	}

	if filter != nil {
		kept := matches[:0]
		for _, m := range matches {
			if filter(m.UserID) {
				kept = append(kept, m)
			}
		}
		matches = kept
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceMeters == matches[j].DistanceMeters {
			return matches[i].UserID < matches[j].UserID
		}
		return matches[i].DistanceMeters < matches[j].DistanceMeters
	})
	return matches
}
