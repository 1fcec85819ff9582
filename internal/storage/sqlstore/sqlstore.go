// Package sqlstore is a database/sql backed implementation of
// storage.Storage, the concrete counterpart to the abstract contract
// spec.md §4.1 requires. It supports the two backends spec.md §6 names:
// sqlite (via modernc.org/sqlite, pure Go, no cgo) and mysql (via
// github.com/go-sql-driver/mysql). Both drivers accept "?" placeholders, so
// the queries below share one placeholder syntax; the primary-key DDL
// branches per driver, and the manager upsert falls back to delete+insert
// where ON CONFLICT is not supported.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/storage"
)

// Driver identifies which SQL backend to open.
type Driver string

const (
	SQLite Driver = "sqlite"
	MySQL  Driver = "mysql"
)

// Store is a database/sql backed storage.Storage implementation.
type Store struct {
	db     *sql.DB
	driver Driver
}

// Open opens (and, if necessary, creates the schema for) a Store against
// the given driver and DSN. For SQLite, dsn is a filesystem path (or
// ":memory:"); for MySQL it is a standard go-sql-driver DSN
// ("user:pass@tcp(host:port)/dbname").
func Open(driver Driver, dsn string) (*Store, error) {
	driverName := string(driver)
	if driver == SQLite {
		driverName = "sqlite"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

// pkClause returns the dialect-specific "auto-incrementing integer primary
// key" column definition. SQLite and MySQL spell this differently
// (AUTOINCREMENT vs AUTO_INCREMENT) and MySQL rejects the other's syntax
// outright, so every CREATE TABLE below is templated on this rather than
// hardcoding one dialect.
func (s *Store) pkClause() string {
	if s.driver == MySQL {
		return "INTEGER PRIMARY KEY AUTO_INCREMENT"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) migrate() error {
	pk := s.pkClause()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
			id %s,
			username TEXT NOT NULL UNIQUE,
			hostname TEXT NOT NULL,
			node_type TEXT NOT NULL,
			instance TEXT NOT NULL,
			version REAL NOT NULL,
			rev INTEGER NOT NULL,
			persistent INTEGER NOT NULL DEFAULT 0,
			connected INTEGER NOT NULL DEFAULT 0
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sensors (
			id %s,
			node_id INTEGER NOT NULL,
			remote_sensor_id INTEGER NOT NULL,
			description TEXT NOT NULL,
			state INTEGER NOT NULL DEFAULT 0,
			last_state_updated INTEGER NOT NULL DEFAULT 0,
			alert_delay INTEGER NOT NULL DEFAULT 0,
			alert_levels TEXT NOT NULL DEFAULT '',
			data_type INTEGER NOT NULL DEFAULT 0,
			data_int INTEGER NOT NULL DEFAULT 0,
			data_float REAL NOT NULL DEFAULT 0,
			UNIQUE(node_id, remote_sensor_id)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS alerts (
			id %s,
			node_id INTEGER NOT NULL,
			remote_alert_id INTEGER NOT NULL,
			description TEXT NOT NULL,
			alert_levels TEXT NOT NULL DEFAULT '',
			UNIQUE(node_id, remote_alert_id)
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS managers (
			id %s,
			node_id INTEGER NOT NULL UNIQUE,
			description TEXT NOT NULL
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sensor_alerts (
			id %s,
			sensor_id INTEGER NOT NULL,
			node_id INTEGER NOT NULL,
			state INTEGER NOT NULL,
			has_optional_data INTEGER NOT NULL DEFAULT 0,
			optional_data TEXT NOT NULL DEFAULT '',
			change_state INTEGER NOT NULL DEFAULT 0,
			has_latest_data INTEGER NOT NULL DEFAULT 0,
			data_type INTEGER NOT NULL DEFAULT 0,
			data_int INTEGER NOT NULL DEFAULT 0,
			data_float REAL NOT NULL DEFAULT 0,
			alert_levels TEXT NOT NULL DEFAULT '',
			time_received INTEGER NOT NULL
		)`, pk),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func joinLevels(levels []int) string {
	out := ""
	for i, l := range levels {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", l)
	}
	return out
}

func splitLevels(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	var cur int
	has := false
	for _, r := range s {
		if r == ',' {
			if has {
				out = append(out, cur)
			}
			cur, has = 0, false
			continue
		}
		cur = cur*10 + int(r-'0')
		has = true
	}
	if has {
		out = append(out, cur)
	}
	return out
}

func (s *Store) UpsertNode(ctx context.Context, reg storage.NodeRegistration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	var nodeID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM nodes WHERE username = ?`, reg.Node.Username).Scan(&nodeID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (username, hostname, node_type, instance, version, rev, persistent, connected)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			reg.Node.Username, reg.Node.Hostname, string(reg.Node.NodeType), reg.Node.Instance,
			reg.Node.Version, reg.Node.Rev, boolToInt(reg.Node.Persistent))
		if err != nil {
			return 0, fmt.Errorf("insert node: %w", err)
		}
		nodeID, err = res.LastInsertId()
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, fmt.Errorf("lookup node: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET hostname=?, node_type=?, instance=?, version=?, rev=?, persistent=? WHERE id=?`,
			reg.Node.Hostname, string(reg.Node.NodeType), reg.Node.Instance, reg.Node.Version, reg.Node.Rev,
			boolToInt(reg.Node.Persistent), nodeID); err != nil {
			return 0, fmt.Errorf("update node: %w", err)
		}
	}

	switch reg.Node.NodeType {
	case model.NodeTypeSensor:
		if err := upsertSensors(ctx, tx, nodeID, reg.Sensors); err != nil {
			return 0, err
		}
	case model.NodeTypeAlert:
		if err := upsertAlerts(ctx, tx, nodeID, reg.Alerts); err != nil {
			return 0, err
		}
	case model.NodeTypeManager:
		desc := ""
		if reg.Manager != nil {
			desc = reg.Manager.Description
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO managers (node_id, description) VALUES (?, ?)
			 ON CONFLICT(node_id) DO UPDATE SET description=excluded.description`,
			nodeID, desc); err != nil {
			// MySQL lacks ON CONFLICT — fall back to delete+insert.
			if _, derr := tx.ExecContext(ctx, `DELETE FROM managers WHERE node_id=?`, nodeID); derr != nil {
				return 0, fmt.Errorf("upsert manager: %w", err)
			}
			if _, ierr := tx.ExecContext(ctx, `INSERT INTO managers (node_id, description) VALUES (?, ?)`, nodeID, desc); ierr != nil {
				return 0, fmt.Errorf("upsert manager: %w", ierr)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return nodeID, nil
}

func upsertSensors(ctx context.Context, tx *sql.Tx, nodeID int64, sensors []model.Sensor) error {
	seen := make([]int, 0, len(sensors))
	for _, sn := range sensors {
		seen = append(seen, sn.RemoteSensorID)
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sensors WHERE node_id=? AND remote_sensor_id=?`, nodeID, sn.RemoteSensorID).Scan(&existing)
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sensors (node_id, remote_sensor_id, description, alert_delay, alert_levels, data_type)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				nodeID, sn.RemoteSensorID, sn.Description, sn.AlertDelay, joinLevels(sn.AlertLevels), int(sn.DataType))
			if err != nil {
				return fmt.Errorf("insert sensor: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup sensor: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sensors SET description=?, alert_delay=?, alert_levels=?, data_type=? WHERE id=?`,
			sn.Description, sn.AlertDelay, joinLevels(sn.AlertLevels), int(sn.DataType), existing); err != nil {
			return fmt.Errorf("update sensor: %w", err)
		}
	}
	return deleteUnseenSensors(ctx, tx, nodeID, seen)
}

func deleteUnseenSensors(ctx context.Context, tx *sql.Tx, nodeID int64, seen []int) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, remote_sensor_id FROM sensors WHERE node_id=?`, nodeID)
	if err != nil {
		return err
	}
	defer rows.Close()

	seenSet := make(map[int]bool, len(seen))
	for _, id := range seen {
		seenSet[id] = true
	}

	var stale []int64
	for rows.Next() {
		var id int64
		var remoteID int
		if err := rows.Scan(&id, &remoteID); err != nil {
			return err
		}
		if !seenSet[remoteID] {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sensors WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}

func upsertAlerts(ctx context.Context, tx *sql.Tx, nodeID int64, alerts []model.Alert) error {
	seen := make(map[int]bool, len(alerts))
	for _, al := range alerts {
		seen[al.RemoteAlertID] = true
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM alerts WHERE node_id=? AND remote_alert_id=?`, nodeID, al.RemoteAlertID).Scan(&existing)
		if err == sql.ErrNoRows {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO alerts (node_id, remote_alert_id, description, alert_levels) VALUES (?, ?, ?, ?)`,
				nodeID, al.RemoteAlertID, al.Description, joinLevels(al.AlertLevels))
			if err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup alert: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE alerts SET description=?, alert_levels=? WHERE id=?`,
			al.Description, joinLevels(al.AlertLevels), existing); err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, remote_alert_id FROM alerts WHERE node_id=?`, nodeID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var stale []int64
	for rows.Next() {
		var id int64
		var remoteID int
		if err := rows.Scan(&id, &remoteID); err != nil {
			return err
		}
		if !seen[remoteID] {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetNodeConnected(ctx context.Context, nodeID int64, connected bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE nodes SET connected=? WHERE id=?`, boolToInt(connected), nodeID); err != nil {
		return err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id=?`, nodeID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("sqlstore: unknown node %d", nodeID)
	}
	return err
}

func (s *Store) UpdateSensorState(ctx context.Context, nodeID int64, remoteSensorID int, state int, data model.SensorData, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sensors SET state=?, last_state_updated=?, data_type=?, data_int=?, data_float=?
		 WHERE node_id=? AND remote_sensor_id=?`,
		state, when.Unix(), int(data.Type), data.Int, data.Float, nodeID, remoteSensorID)
	return err
}

func (s *Store) SensorAlertLevels(ctx context.Context, nodeID int64, remoteSensorID int) ([]int, error) {
	var levels string
	err := s.db.QueryRowContext(ctx,
		`SELECT alert_levels FROM sensors WHERE node_id=? AND remote_sensor_id=?`, nodeID, remoteSensorID).Scan(&levels)
	if err != nil {
		return nil, fmt.Errorf("sensor alert levels: %w", err)
	}
	return splitLevels(levels), nil
}

func (s *Store) SensorTriggered(username string, remoteSensorID int) (bool, time.Time, bool) {
	var state int
	var lastUpdated int64
	err := s.db.QueryRow(
		`SELECT s.state, s.last_state_updated FROM sensors s
		 JOIN nodes n ON n.id = s.node_id
		 WHERE n.username=? AND s.remote_sensor_id=?`, username, remoteSensorID).Scan(&state, &lastUpdated)
	if err != nil {
		return false, time.Time{}, false
	}
	return state == 1, time.Unix(lastUpdated, 0), true
}

func (s *Store) AppendSensorAlert(ctx context.Context, a model.SensorAlert) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_alerts
		 (sensor_id, node_id, state, has_optional_data, optional_data, change_state, has_latest_data,
		  data_type, data_int, data_float, alert_levels, time_received)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SensorID, a.NodeID, a.State, boolToInt(a.HasOptionalData), "", boolToInt(a.ChangeState),
		boolToInt(a.HasLatestData), int(a.DataType), a.Data.Int, a.Data.Float, joinLevels(a.AlertLevels), a.TimeReceived)
	if err != nil {
		return 0, fmt.Errorf("append sensor alert: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) PendingSensorAlerts(ctx context.Context) ([]model.SensorAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sensor_id, node_id, state, has_optional_data, change_state, has_latest_data,
		        data_type, data_int, data_float, alert_levels, time_received
		 FROM sensor_alerts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending sensor alerts: %w", err)
	}
	defer rows.Close()

	var out []model.SensorAlert
	for rows.Next() {
		var a model.SensorAlert
		var levels string
		var dataType int
		var hasOptional, changeState, hasLatest int
		if err := rows.Scan(&a.ID, &a.SensorID, &a.NodeID, &a.State, &hasOptional, &changeState, &hasLatest,
			&dataType, &a.Data.Int, &a.Data.Float, &levels, &a.TimeReceived); err != nil {
			return nil, err
		}
		a.HasOptionalData = hasOptional != 0
		a.ChangeState = changeState != 0
		a.HasLatestData = hasLatest != 0
		a.DataType = model.DataType(dataType)
		a.AlertLevels = splitLevels(levels)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteSensorAlerts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sensor_alerts WHERE id=?`, id); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("delete sensor alert %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	var out storage.Snapshot

	nodeRows, err := s.db.QueryContext(ctx,
		`SELECT id, username, hostname, node_type, instance, version, rev, persistent, connected FROM nodes`)
	if err != nil {
		return out, err
	}
	for nodeRows.Next() {
		var n model.Node
		var nodeType string
		var persistent, connected int
		if err := nodeRows.Scan(&n.ID, &n.Username, &n.Hostname, &nodeType, &n.Instance, &n.Version, &n.Rev, &persistent, &connected); err != nil {
			nodeRows.Close()
			return out, err
		}
		n.NodeType = model.NodeType(nodeType)
		n.Persistent = persistent != 0
		n.Connected = connected != 0
		out.Nodes = append(out.Nodes, n)
	}
	nodeRows.Close()

	sensorRows, err := s.db.QueryContext(ctx,
		`SELECT id, node_id, remote_sensor_id, description, state, last_state_updated, alert_delay, alert_levels, data_type, data_int, data_float FROM sensors`)
	if err != nil {
		return out, err
	}
	for sensorRows.Next() {
		var sn model.Sensor
		var levels string
		var dataType int
		if err := sensorRows.Scan(&sn.ID, &sn.NodeID, &sn.RemoteSensorID, &sn.Description, &sn.State,
			&sn.LastStateUpdated, &sn.AlertDelay, &levels, &dataType, &sn.Data.Int, &sn.Data.Float); err != nil {
			sensorRows.Close()
			return out, err
		}
		sn.DataType = model.DataType(dataType)
		sn.AlertLevels = splitLevels(levels)
		out.Sensors = append(out.Sensors, sn)
	}
	sensorRows.Close()

	alertRows, err := s.db.QueryContext(ctx, `SELECT id, node_id, remote_alert_id, description, alert_levels FROM alerts`)
	if err != nil {
		return out, err
	}
	for alertRows.Next() {
		var a model.Alert
		var levels string
		if err := alertRows.Scan(&a.ID, &a.NodeID, &a.RemoteAlertID, &a.Description, &levels); err != nil {
			alertRows.Close()
			return out, err
		}
		a.AlertLevels = splitLevels(levels)
		out.Alerts = append(out.Alerts, a)
	}
	alertRows.Close()

	managerRows, err := s.db.QueryContext(ctx, `SELECT id, node_id, description FROM managers`)
	if err != nil {
		return out, err
	}
	for managerRows.Next() {
		var m model.Manager
		if err := managerRows.Scan(&m.ID, &m.NodeID, &m.Description); err != nil {
			managerRows.Close()
			return out, err
		}
		out.Managers = append(out.Managers, m)
	}
	managerRows.Close()

	return out, nil
}

func (s *Store) ReferencedAlertLevels(ctx context.Context) ([]int, error) {
	seen := make(map[int]bool)
	for _, table := range []string{"sensors", "alerts"} {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT alert_levels FROM %s`, table))
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var levels string
			if err := rows.Scan(&levels); err != nil {
				rows.Close()
				return nil, err
			}
			for _, l := range splitLevels(levels) {
				seen[l] = true
			}
		}
		rows.Close()
	}
	out := make([]int, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Ints(out)
	return out, nil
}

func (s *Store) ConnectedAlertNodesForLevel(ctx context.Context, level int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.node_id, a.alert_levels FROM alerts a
		 JOIN nodes n ON n.id = a.node_id
		 WHERE n.node_type = 'alert' AND n.connected = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[int64]bool)
	var out []int64
	for rows.Next() {
		var nodeID int64
		var levels string
		if err := rows.Scan(&nodeID, &levels); err != nil {
			return nil, err
		}
		for _, l := range splitLevels(levels) {
			if l == level && !seen[nodeID] {
				seen[nodeID] = true
				out = append(out, nodeID)
			}
		}
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
