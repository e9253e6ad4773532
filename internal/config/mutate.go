package config

import (
	"encoding/json"
	"fmt"

	"github.com/tankwanghow/poucon/internal/model"
)

// stepRow is the JSON-friendly mirror of model.TempStep; the fixed
// 5-element array the regulator uses internally is serialized as a plain
// list so zero-valued trailing steps don't need special-casing on
// either side of the round trip.
type stepRow struct {
	Temp      float64  `json:"temp"`
	ExtraFans int      `json:"extra_fans"`
	Pumps     []string `json:"pumps"`
}

func encodeSteps(steps [5]model.TempStep) (string, error) {
	rows := make([]stepRow, len(steps))
	for i, st := range steps {
		rows[i] = stepRow{Temp: st.Temp, ExtraFans: st.ExtraFans, Pumps: st.Pumps}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("config: encode steps: %w", err)
	}
	return string(b), nil
}

func decodeSteps(text string) ([5]model.TempStep, error) {
	var out [5]model.TempStep
	if text == "" {
		return out, nil
	}
	var rows []stepRow
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return out, fmt.Errorf("config: decode steps: %w", err)
	}
	for i := 0; i < len(rows) && i < len(out); i++ {
		out[i] = model.TempStep{Temp: rows[i].Temp, ExtraFans: rows[i].ExtraFans, Pumps: rows[i].Pumps}
	}
	return out, nil
}

// serializeTree renders a data-point tree back into spec §6's textual
// grammar ("one key: value per non-empty line"), the inverse of
// model.ParseTree, so equipment mutations round-trip through the same
// format the loader reads.
func serializeTree(tree map[string]any) string {
	var out string
	for key, v := range tree {
		var val string
		switch t := v.(type) {
		case []string:
			val = joinStrings(t)
		case bool:
			if t {
				val = "true"
			} else {
				val = "false"
			}
		default:
			val = fmt.Sprintf("%v", t)
		}
		out += key + ": " + val + "\n"
	}
	return out
}

// ReplaceEquipment validates eq's data-point tree against its kind's
// required role keys (spec §3, §4.4, §6) before persisting it, rejecting
// the changeset outright rather than installing an equipment row the
// controller layer would refuse at construction time.
func (s *Store) ReplaceEquipment(eq model.Equipment) error {
	if err := model.ValidateTree(eq.Kind, eq.Tree); err != nil {
		return model.Parse(eq.Name, err.Error())
	}

	_, err := s.db.Exec(`INSERT INTO equipment (name, title, type, data_point_tree, active, poll_interval_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET title = excluded.title, type = excluded.type,
			data_point_tree = excluded.data_point_tree, active = excluded.active,
			poll_interval_ms = excluded.poll_interval_ms`,
		eq.Name, eq.Title, string(eq.Kind), serializeTree(eq.Tree), boolToInt(eq.Active), eq.PollIntervalMS)
	if err != nil {
		return fmt.Errorf("config: replace equipment %s: %w", eq.Name, err)
	}
	return s.publishReload("equipment")
}

// ReplaceInterlockRules installs a wholly new interlock rule table,
// rejecting self-loops and duplicate edges before touching the database
// (the same invariants the interlock engine itself enforces on reload,
// checked here too so a bad changeset never reaches it).
func (s *Store) ReplaceInterlockRules(rules []model.InterlockRule) error {
	seen := make(map[[2]string]bool, len(rules))
	for _, r := range rules {
		if r.Upstream == r.Downstream {
			return model.Parse(r.Upstream, "interlock rule is a self-loop")
		}
		key := [2]string{r.Upstream, r.Downstream}
		if seen[key] {
			return model.Parse(r.Upstream, "duplicate interlock rule to "+r.Downstream)
		}
		seen[key] = true
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("config: replace interlock_rules: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM interlock_rules`); err != nil {
		tx.Rollback()
		return fmt.Errorf("config: clear interlock_rules: %w", err)
	}
	for _, r := range rules {
		if _, err := tx.Exec(`INSERT INTO interlock_rules (upstream_equipment_id, downstream_equipment_id, enabled)
			VALUES (?, ?, ?)`, r.Upstream, r.Downstream, boolToInt(r.Enabled)); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: insert interlock_rule: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit interlock_rules: %w", err)
	}
	return s.publishReload("interlock_rules")
}

// SetEnvironmentConfig replaces the singleton environment controller
// configuration, rejecting an unsorted staircase (spec §3: "steps are
// sorted by temp").
func (s *Store) SetEnvironmentConfig(cfg model.EnvironmentConfig) error {
	for i := 1; i < len(cfg.Steps); i++ {
		if cfg.Steps[i].Temp != 0 && cfg.Steps[i].Temp < cfg.Steps[i-1].Temp {
			return model.Parse("environment_control_config", "steps must be sorted by temp")
		}
	}

	stepsText, err := encodeSteps(cfg.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO environment_control_config
		(id, failsafe_fan_count, steps_json, humidity_min, humidity_max,
		 stagger_delay_seconds, step_delay_seconds, poll_interval_seconds,
		 temp_sensor_order, max_temp_delta, enabled)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET failsafe_fan_count = excluded.failsafe_fan_count,
			steps_json = excluded.steps_json, humidity_min = excluded.humidity_min,
			humidity_max = excluded.humidity_max, stagger_delay_seconds = excluded.stagger_delay_seconds,
			step_delay_seconds = excluded.step_delay_seconds, poll_interval_seconds = excluded.poll_interval_seconds,
			temp_sensor_order = excluded.temp_sensor_order, max_temp_delta = excluded.max_temp_delta,
			enabled = excluded.enabled`,
		cfg.FailsafeFanCount, stepsText, cfg.HumidityMin, cfg.HumidityMax,
		cfg.StaggerDelaySeconds, cfg.DelayBetweenStepSeconds, cfg.PollIntervalSeconds,
		joinStrings(cfg.TempSensorOrder), cfg.MaxTempDelta, boolToInt(cfg.Enabled))
	if err != nil {
		return fmt.Errorf("config: set environment_control_config: %w", err)
	}
	return s.publishReload("environment_control_config")
}

// ReplaceSchedules installs a wholly new schedule table.
func (s *Store) ReplaceSchedules(rows []model.Schedule) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("config: replace schedules: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schedules`); err != nil {
		tx.Rollback()
		return fmt.Errorf("config: clear schedules: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(`INSERT INTO schedules (equipment_name, kind, enabled, on_time, off_time,
			start_time, stop_time, to_back_time, to_front_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Equipment, string(r.Kind), boolToInt(r.Enabled),
			formatDayTime(r.OnTime), formatDayTime(r.OffTime),
			formatDayTime(r.Start), formatDayTime(r.Stop),
			formatDayTime(r.ToBackTime), formatDayTime(r.ToFrontTime)); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: insert schedule: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit schedules: %w", err)
	}
	return s.publishReload("schedules")
}

// ReplacePorts installs a wholly new port table.
func (s *Store) ReplacePorts(ports []model.Port) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("config: replace ports: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ports`); err != nil {
		tx.Rollback()
		return fmt.Errorf("config: clear ports: %w", err)
	}
	for _, p := range ports {
		if _, err := tx.Exec(`INSERT INTO ports (id, protocol, device_path, ip_address, tcp_port,
			baud_rate, parity, data_bits, stop_bits, s7_rack, s7_slot, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, string(p.Protocol), p.ID, p.Host, p.TCPPort,
			p.BaudRate, p.Parity, p.DataBits, p.StopBits, p.S7Rack, p.S7Slot, p.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: insert port: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit ports: %w", err)
	}
	return s.publishReload("ports")
}

// ReplaceDataPoints installs a wholly new data-point table. It performs
// no validation of its own: nil min/max bounds are stored as NULL (spec
// §3: "nil disables the corresponding bound"), and a point is rejected
// only if the database rejects the row.
func (s *Store) ReplaceDataPoints(points []model.DataPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("config: replace data_points: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM data_points`); err != nil {
		tx.Rollback()
		return fmt.Errorf("config: clear data_points: %w", err)
	}
	for _, dp := range points {
		if _, err := tx.Exec(`INSERT INTO data_points (name, port_path, direction, slave_id, register, channel,
			read_fn, write_fn, value_type, byte_order, scale_factor, offset, unit,
			min_valid, max_valid, log_interval, inverted, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dp.Name, dp.Port, string(dp.Direction), dp.Slave, dp.Register, dp.Channel,
			dp.ReadFunc, dp.WriteFunc, string(dp.ValueType), string(dp.ByteOrder), dp.Scale, dp.Offset, dp.Unit,
			floatOrNil(dp.MinValid), floatOrNil(dp.MaxValid), logIntervalOrNil(dp.LogInterval), boolToInt(dp.Inverted), dp.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: insert data_point: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit data_points: %w", err)
	}
	return s.publishReload("data_points")
}

func logIntervalOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
