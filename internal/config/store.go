// Package config is the snapshot-typed, reload-safe configuration store
// of spec §4.8: the single owner of ports, data points, equipment,
// interlock rules, the environment controller's singleton config, and
// schedules. Every other component holds a read-only handle; mutations
// go through validating changesets and publish a config_changed(table)
// event (spec §4.9) so consumers adopt the new snapshot at their next
// poll boundary rather than mid-cycle.
package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/model"
)

// schema creates every table the core reads or writes, plus the
// out-of-core-scope auxiliary tables the spec's §6 lists as passive
// columns (alarm rules/conditions, task templates) so a single database
// can be shared with a UI layer without a second schema. The core never
// queries the passive tables.
const schema = `
CREATE TABLE IF NOT EXISTS ports (
	id TEXT PRIMARY KEY,
	protocol TEXT NOT NULL,
	device_path TEXT,
	ip_address TEXT,
	tcp_port INTEGER,
	baud_rate INTEGER,
	parity TEXT,
	data_bits INTEGER,
	stop_bits INTEGER,
	s7_rack INTEGER,
	s7_slot INTEGER,
	description TEXT
);

CREATE TABLE IF NOT EXISTS data_points (
	name TEXT PRIMARY KEY,
	port_path TEXT NOT NULL,
	direction TEXT NOT NULL,
	slave_id INTEGER,
	register INTEGER,
	channel INTEGER,
	read_fn TEXT,
	write_fn TEXT,
	value_type TEXT,
	byte_order TEXT,
	scale_factor REAL,
	offset REAL,
	unit TEXT,
	min_valid REAL,
	max_valid REAL,
	log_interval INTEGER,
	inverted INTEGER,
	color_zones TEXT,
	description TEXT
);

CREATE TABLE IF NOT EXISTS equipment (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE NOT NULL,
	title TEXT,
	type TEXT NOT NULL,
	data_point_tree TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	poll_interval_ms INTEGER
);

CREATE TABLE IF NOT EXISTS interlock_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	upstream_equipment_id TEXT NOT NULL,
	downstream_equipment_id TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS environment_control_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	failsafe_fan_count INTEGER,
	steps_json TEXT,
	humidity_min REAL,
	humidity_max REAL,
	stagger_delay_seconds INTEGER,
	step_delay_seconds INTEGER,
	poll_interval_seconds INTEGER,
	temp_sensor_order TEXT,
	max_temp_delta REAL,
	enabled INTEGER
);

CREATE TABLE IF NOT EXISTS schedules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	equipment_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	on_time TEXT,
	off_time TEXT,
	start_time TEXT,
	stop_time TEXT,
	to_back_time TEXT,
	to_front_time TEXT
);

CREATE TABLE IF NOT EXISTS alarm_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	definition TEXT
);

CREATE TABLE IF NOT EXISTS task_templates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	definition TEXT
);
`

// Store is the configuration database plus its in-memory snapshots.
type Store struct {
	db  *sql.DB
	bus *bus.Bus

	mu         sync.RWMutex
	ports      []model.Port
	dataPoints []model.DataPoint
	equipment  []model.Equipment
	rules      []model.InterlockRule
	env        model.EnvironmentConfig
	schedules  []model.Schedule
}

// Open opens (creating if absent) the SQLite database at dsn, applies
// the schema, and loads an initial snapshot.
func Open(dsn string, b *bus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", dsn, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: apply schema: %w", err)
	}

	s := &Store{db: db, bus: b}
	if err := s.Load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load replaces every in-memory snapshot from the database, atomically
// per table (spec §6: "config reload is atomic per-table").
func (s *Store) Load() error {
	ports, err := s.loadPorts()
	if err != nil {
		return err
	}
	points, err := s.loadDataPoints()
	if err != nil {
		return err
	}
	equipment, err := s.loadEquipment()
	if err != nil {
		return err
	}
	rules, err := s.loadInterlockRules()
	if err != nil {
		return err
	}
	env, err := s.loadEnvironmentConfig()
	if err != nil {
		return err
	}
	schedules, err := s.loadSchedules()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ports, s.dataPoints, s.equipment = ports, points, equipment
	s.rules, s.env, s.schedules = rules, env, schedules
	s.mu.Unlock()
	return nil
}

// Ports returns the current port snapshot.
func (s *Store) Ports() []model.Port {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Port(nil), s.ports...)
}

// DataPoints returns the current data-point snapshot.
func (s *Store) DataPoints() []model.DataPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.DataPoint(nil), s.dataPoints...)
}

// Equipment returns the current equipment snapshot.
func (s *Store) Equipment() []model.Equipment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Equipment(nil), s.equipment...)
}

// InterlockRules returns the current interlock-rule snapshot.
func (s *Store) InterlockRules() []model.InterlockRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.InterlockRule(nil), s.rules...)
}

// EnvironmentConfig returns the current singleton environment config.
func (s *Store) EnvironmentConfig() model.EnvironmentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

// Schedules returns the current schedule-table snapshot.
func (s *Store) Schedules() []model.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Schedule(nil), s.schedules...)
}

// publishReload reloads every snapshot from the database and announces
// the changed table on the event bus.
func (s *Store) publishReload(table string) error {
	if err := s.Load(); err != nil {
		return err
	}
	s.bus.Publish(bus.TopicConfigChanged, table)
	return nil
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }

func joinStrings(list []string) string { return strings.Join(list, ",") }

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func formatDayTime(d model.DayTime) string {
	return fmt.Sprintf("%02d:%02d:%02d", d.Hour, d.Minute, d.Second)
}

func parseDayTime(s string) model.DayTime {
	var h, m, sec int
	parts := strings.Split(s, ":")
	if len(parts) > 0 {
		h, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		m, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(parts[2])
	}
	return model.DayTime{Hour: h, Minute: m, Second: sec}
}
