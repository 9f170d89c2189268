// Package registry loads the boot-time partition topology — source IDs,
// readout-group bitmasks, contractor assignment, and peer fabric
// addresses — from a SQLite database read once at startup.
//
// Grounded on main.go's openDatabase/loadPoolsFromDatabase pair: open a
// short-lived *sql.DB, COUNT() first for exact-capacity preallocation,
// then a single deterministically-ordered SELECT, closing the connection
// once the in-memory topology is built.
package registry

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Source describes one contributor this node expects input from.
type Source struct {
	ID            uint8
	Name          string
	ReadoutGroups uint32
}

// Peer describes one event-builder peer contributions are round-robined
// across.
type Peer struct {
	ID   uint8
	Addr string
}

// Topology is the complete boot-time configuration for one partition.
type Topology struct {
	PartitionID  int
	CommonGroups uint32
	Sources      []Source
	Peers        []Peer
}

// Open establishes the database connection for initialization only, per
// main.go's openDatabase: the connection is closed once Load has built
// the in-memory Topology.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping %s: %w", dbPath, err)
	}
	return db, nil
}

// Load retrieves the named partition's topology with exact-capacity
// preallocation, mirroring loadPoolsFromDatabase's COUNT-then-SELECT
// shape.
func Load(db *sql.DB, partitionID int) (Topology, error) {
	top := Topology{PartitionID: partitionID}

	if err := db.QueryRow(
		`SELECT common_groups FROM partitions WHERE id = ?`, partitionID,
	).Scan(&top.CommonGroups); err != nil {
		return Topology{}, fmt.Errorf("registry: load partition %d: %w", partitionID, err)
	}

	sources, err := loadSources(db, partitionID)
	if err != nil {
		return Topology{}, err
	}
	top.Sources = sources

	peers, err := loadPeers(db, partitionID)
	if err != nil {
		return Topology{}, err
	}
	top.Peers = peers

	return top, nil
}

func loadSources(db *sql.DB, partitionID int) ([]Source, error) {
	var count int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sources WHERE partition_id = ?`, partitionID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("registry: count sources: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("registry: no sources found for partition %d", partitionID)
	}

	sources := make([]Source, 0, count)
	rows, err := db.Query(`
		SELECT source_id, name, readout_groups
		FROM sources
		WHERE partition_id = ?
		ORDER BY source_id`, partitionID)
	if err != nil {
		return nil, fmt.Errorf("registry: query sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Source
		var id, groups int64
		if err := rows.Scan(&id, &s.Name, &groups); err != nil {
			return nil, fmt.Errorf("registry: scan source row: %w", err)
		}
		s.ID = uint8(id)
		s.ReadoutGroups = uint32(groups)
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: source iteration: %w", err)
	}
	return sources, nil
}

func loadPeers(db *sql.DB, partitionID int) ([]Peer, error) {
	var count int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM peers WHERE partition_id = ?`, partitionID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("registry: count peers: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("registry: no peers found for partition %d", partitionID)
	}

	peers := make([]Peer, 0, count)
	rows, err := db.Query(`
		SELECT peer_id, addr
		FROM peers
		WHERE partition_id = ?
		ORDER BY peer_id`, partitionID)
	if err != nil {
		return nil, fmt.Errorf("registry: query peers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Peer
		var id int64
		if err := rows.Scan(&id, &p.Addr); err != nil {
			return nil, fmt.Errorf("registry: scan peer row: %w", err)
		}
		p.ID = uint8(id)
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: peer iteration: %w", err)
	}
	return peers, nil
}

// ContractMask ORs together the ReadoutGroups bits of every source in top
// that intersects groups — the per-event contract mask handed to
// internal/builder's Contractor hook.
func (t Topology) ContractMask(groups uint32) uint64 {
	var mask uint64
	for _, s := range t.Sources {
		if s.ReadoutGroups&groups != 0 {
			mask |= 1 << s.ID
		}
	}
	return mask
}
