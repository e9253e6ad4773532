package config

import (
	"database/sql"
	"fmt"

	"github.com/tankwanghow/poucon/internal/model"
)

func (s *Store) loadPorts() ([]model.Port, error) {
	rows, err := s.db.Query(`SELECT id, protocol, device_path, ip_address, tcp_port,
		baud_rate, parity, data_bits, stop_bits, s7_rack, s7_slot, description FROM ports`)
	if err != nil {
		return nil, fmt.Errorf("config: load ports: %w", err)
	}
	defer rows.Close()

	var out []model.Port
	for rows.Next() {
		var p model.Port
		var devicePath, ipAddress sql.NullString
		if err := rows.Scan(&p.ID, &p.Protocol, &devicePath, &ipAddress, &p.TCPPort,
			&p.BaudRate, &p.Parity, &p.DataBits, &p.StopBits, &p.S7Rack, &p.S7Slot, &p.Description); err != nil {
			return nil, fmt.Errorf("config: scan port: %w", err)
		}
		p.Host = ipAddress.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadDataPoints() ([]model.DataPoint, error) {
	rows, err := s.db.Query(`SELECT name, port_path, direction, slave_id, register, channel,
		read_fn, write_fn, value_type, byte_order, scale_factor, offset, unit,
		min_valid, max_valid, log_interval, inverted, description FROM data_points`)
	if err != nil {
		return nil, fmt.Errorf("config: load data_points: %w", err)
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var dp model.DataPoint
		var minValid, maxValid sql.NullFloat64
		var logInterval sql.NullInt64
		var invertedInt int
		if err := rows.Scan(&dp.Name, &dp.Port, &dp.Direction, &dp.Slave, &dp.Register, &dp.Channel,
			&dp.ReadFunc, &dp.WriteFunc, &dp.ValueType, &dp.ByteOrder, &dp.Scale, &dp.Offset, &dp.Unit,
			&minValid, &maxValid, &logInterval, &invertedInt, &dp.Description); err != nil {
			return nil, fmt.Errorf("config: scan data_point: %w", err)
		}
		if minValid.Valid {
			v := minValid.Float64
			dp.MinValid = &v
		}
		if maxValid.Valid {
			v := maxValid.Float64
			dp.MaxValid = &v
		}
		if logInterval.Valid {
			v := int(logInterval.Int64)
			dp.LogInterval = &v
		}
		dp.Inverted = intToBool(invertedInt)
		out = append(out, dp)
	}
	return out, rows.Err()
}

func (s *Store) loadEquipment() ([]model.Equipment, error) {
	rows, err := s.db.Query(`SELECT name, title, type, data_point_tree, active, poll_interval_ms FROM equipment`)
	if err != nil {
		return nil, fmt.Errorf("config: load equipment: %w", err)
	}
	defer rows.Close()

	var out []model.Equipment
	for rows.Next() {
		var eq model.Equipment
		var kind string
		var treeText string
		var activeInt int
		var pollMS sql.NullInt64
		if err := rows.Scan(&eq.Name, &eq.Title, &kind, &treeText, &activeInt, &pollMS); err != nil {
			return nil, fmt.Errorf("config: scan equipment: %w", err)
		}
		tree, err := model.ParseTree(treeText)
		if err != nil {
			return nil, fmt.Errorf("config: equipment %s: %w", eq.Name, err)
		}
		eq.Kind = model.EquipmentKind(kind)
		eq.Tree = tree
		eq.Active = intToBool(activeInt)
		eq.PollIntervalMS = int(pollMS.Int64)
		if err := model.ValidateTree(eq.Kind, eq.Tree); err != nil {
			return nil, model.Parse(eq.Name, err.Error())
		}
		out = append(out, eq)
	}
	return out, rows.Err()
}

func (s *Store) loadInterlockRules() ([]model.InterlockRule, error) {
	rows, err := s.db.Query(`SELECT id, upstream_equipment_id, downstream_equipment_id, enabled FROM interlock_rules`)
	if err != nil {
		return nil, fmt.Errorf("config: load interlock_rules: %w", err)
	}
	defer rows.Close()

	var out []model.InterlockRule
	for rows.Next() {
		var r model.InterlockRule
		var enabledInt int
		if err := rows.Scan(&r.ID, &r.Upstream, &r.Downstream, &enabledInt); err != nil {
			return nil, fmt.Errorf("config: scan interlock_rule: %w", err)
		}
		r.Enabled = intToBool(enabledInt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) loadEnvironmentConfig() (model.EnvironmentConfig, error) {
	row := s.db.QueryRow(`SELECT failsafe_fan_count, steps_json, humidity_min, humidity_max,
		stagger_delay_seconds, step_delay_seconds, poll_interval_seconds, temp_sensor_order,
		max_temp_delta, enabled FROM environment_control_config WHERE id = 1`)

	var cfg model.EnvironmentConfig
	var stepsText, sensorOrder string
	var enabledInt int
	err := row.Scan(&cfg.FailsafeFanCount, &stepsText, &cfg.HumidityMin, &cfg.HumidityMax,
		&cfg.StaggerDelaySeconds, &cfg.DelayBetweenStepSeconds, &cfg.PollIntervalSeconds,
		&sensorOrder, &cfg.MaxTempDelta, &enabledInt)
	if err == sql.ErrNoRows {
		return model.EnvironmentConfig{}, nil // no row yet: disabled zero-value singleton
	}
	if err != nil {
		return model.EnvironmentConfig{}, fmt.Errorf("config: load environment_control_config: %w", err)
	}
	cfg.Enabled = intToBool(enabledInt)
	cfg.TempSensorOrder = splitStrings(sensorOrder)
	steps, err := decodeSteps(stepsText)
	if err != nil {
		return model.EnvironmentConfig{}, err
	}
	cfg.Steps = steps
	return cfg, nil
}

func (s *Store) loadSchedules() ([]model.Schedule, error) {
	rows, err := s.db.Query(`SELECT id, equipment_name, kind, enabled, on_time, off_time,
		start_time, stop_time, to_back_time, to_front_time FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("config: load schedules: %w", err)
	}
	defer rows.Close()

	var out []model.Schedule
	for rows.Next() {
		var row model.Schedule
		var kind string
		var enabledInt int
		var onTime, offTime, start, stop, toBack, toFront sql.NullString
		if err := rows.Scan(&row.ID, &row.Equipment, &kind, &enabledInt,
			&onTime, &offTime, &start, &stop, &toBack, &toFront); err != nil {
			return nil, fmt.Errorf("config: scan schedule: %w", err)
		}
		row.Kind = model.ScheduleKind(kind)
		row.Enabled = intToBool(enabledInt)
		row.OnTime = parseDayTime(onTime.String)
		row.OffTime = parseDayTime(offTime.String)
		row.Start = parseDayTime(start.String)
		row.Stop = parseDayTime(stop.String)
		row.ToBackTime = parseDayTime(toBack.String)
		row.ToFrontTime = parseDayTime(toFront.String)
		out = append(out, row)
	}
	return out, rows.Err()
}
