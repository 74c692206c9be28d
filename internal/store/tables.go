package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/karl/internal/model"
)

// GetClaire returns the claires row for codename, or ErrNotFound.
func (t *ReadTx) GetClaire(codename string) (model.ClaireInfo, error) {
	row := t.tx.QueryRow(`
SELECT codename, service, ip, port, prefix, reported_timestamp_us, url_status_page_direct, registered_state
FROM claires WHERE codename = ?`, codename)
	return scanClaire(row)
}

// ListClaires returns every claires row, ordered by codename.
func (t *ReadTx) ListClaires() ([]model.ClaireInfo, error) {
	rows, err := t.tx.Query(`
SELECT codename, service, ip, port, prefix, reported_timestamp_us, url_status_page_direct, registered_state
FROM claires ORDER BY codename ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list claires: %w", err)
	}
	defer rows.Close()

	var out []model.ClaireInfo
	for rows.Next() {
		info, err := scanClaireRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func scanClaire(row *sql.Row) (model.ClaireInfo, error) {
	var info model.ClaireInfo
	err := row.Scan(&info.Codename, &info.Service, &info.Location.IP, &info.Location.Port, &info.Location.Prefix,
		&info.ReportedTimestampUS, &info.URLStatusPageDirect, &info.RegisteredState)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClaireInfo{}, ErrNotFound
	}
	if err != nil {
		return model.ClaireInfo{}, fmt.Errorf("store: scan claire: %w", err)
	}
	return info, nil
}

func scanClaireRows(rows *sql.Rows) (model.ClaireInfo, error) {
	var info model.ClaireInfo
	err := rows.Scan(&info.Codename, &info.Service, &info.Location.IP, &info.Location.Port, &info.Location.Prefix,
		&info.ReportedTimestampUS, &info.URLStatusPageDirect, &info.RegisteredState)
	if err != nil {
		return model.ClaireInfo{}, fmt.Errorf("store: scan claire: %w", err)
	}
	return info, nil
}

// UpsertClaire inserts or replaces the claires row for info.Codename.
func (t *WriteTx) UpsertClaire(info model.ClaireInfo) error {
	_, err := t.tx.Exec(`
INSERT INTO claires(codename, service, ip, port, prefix, reported_timestamp_us, url_status_page_direct, registered_state, updated_at_us)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(codename) DO UPDATE SET
	service=excluded.service,
	ip=excluded.ip,
	port=excluded.port,
	prefix=excluded.prefix,
	reported_timestamp_us=excluded.reported_timestamp_us,
	url_status_page_direct=excluded.url_status_page_direct,
	registered_state=excluded.registered_state,
	updated_at_us=excluded.updated_at_us
`, info.Codename, info.Service, info.Location.IP, info.Location.Port, info.Location.Prefix,
		info.ReportedTimestampUS, info.URLStatusPageDirect, string(info.RegisteredState), time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("store: upsert claire: %w", err)
	}
	return nil
}

// GetClaireBuild returns the claire_builds row for codename, or ErrNotFound.
func (t *ReadTx) GetClaireBuild(codename string) (model.ClaireBuildInfo, error) {
	row := t.tx.QueryRow(`
SELECT codename, build_time, git_commit_hash, git_dirty_flag, git_branch
FROM claire_builds WHERE codename = ?`, codename)
	var info model.ClaireBuildInfo
	var dirty int
	err := row.Scan(&info.Codename, &info.Build.Time, &info.Build.GitCommitHash, &dirty, &info.Build.GitBranch)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ClaireBuildInfo{}, ErrNotFound
	}
	if err != nil {
		return model.ClaireBuildInfo{}, fmt.Errorf("store: scan claire build: %w", err)
	}
	info.Build.GitDirtyFlag = dirty != 0
	return info, nil
}

// UpsertClaireBuild inserts or replaces the stored build for info.Codename.
func (t *WriteTx) UpsertClaireBuild(info model.ClaireBuildInfo) error {
	_, err := t.tx.Exec(`
INSERT INTO claire_builds(codename, build_time, git_commit_hash, git_dirty_flag, git_branch, updated_at_us)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(codename) DO UPDATE SET
	build_time=excluded.build_time,
	git_commit_hash=excluded.git_commit_hash,
	git_dirty_flag=excluded.git_dirty_flag,
	git_branch=excluded.git_branch,
	updated_at_us=excluded.updated_at_us
`, info.Codename, info.Build.Time, info.Build.GitCommitHash, boolToInt(info.Build.GitDirtyFlag), info.Build.GitBranch, time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("store: upsert claire build: %w", err)
	}
	return nil
}

// GetServer returns the servers row for ip, or ErrNotFound.
func (t *ReadTx) GetServer(ip string) (model.ServerInfo, error) {
	row := t.tx.QueryRow(`SELECT ip, behind_this_by_us FROM servers WHERE ip = ?`, ip)
	var info model.ServerInfo
	var behindUS int64
	err := row.Scan(&info.IP, &behindUS)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ServerInfo{}, ErrNotFound
	}
	if err != nil {
		return model.ServerInfo{}, fmt.Errorf("store: scan server: %w", err)
	}
	info.BehindThisBy = time.Duration(behindUS) * time.Microsecond
	return info, nil
}

// UpsertServer inserts or replaces the time-skew estimate for info.IP.
func (t *WriteTx) UpsertServer(info model.ServerInfo) error {
	_, err := t.tx.Exec(`
INSERT INTO servers(ip, behind_this_by_us, updated_at_us)
VALUES (?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET
	behind_this_by_us=excluded.behind_this_by_us,
	updated_at_us=excluded.updated_at_us
`, info.IP, info.BehindThisBy.Microseconds(), time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("store: upsert server: %w", err)
	}
	return nil
}

// LatestKarlLaunch returns the most recently recorded karl_launches row, or
// ErrNotFound if Karl has never launched.
func (t *ReadTx) LatestKarlLaunch() (model.KarlInfo, error) {
	row := t.tx.QueryRow(`
SELECT launch_id, codename, up, persisted_index, persisted_timestamp_us, recorded_at_us
FROM karl_launches ORDER BY id DESC LIMIT 1`)
	var info model.KarlInfo
	var up int
	var index, tsUS sql.NullInt64
	err := row.Scan(&info.LaunchID, &info.Codename, &up, &index, &tsUS, &info.RecordedAtUS)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KarlInfo{}, ErrNotFound
	}
	if err != nil {
		return model.KarlInfo{}, fmt.Errorf("store: scan karl launch: %w", err)
	}
	info.Up = up != 0
	if index.Valid {
		idx := uint64(index.Int64)
		info.PersistedKeepaliveIndex = &idx
	}
	if tsUS.Valid {
		v := tsUS.Int64
		info.PersistedKeepaliveTSUS = &v
	}
	return info, nil
}

// InsertKarlLaunch appends a new karl_launches row (the table is
// append-only: every startup/shutdown transition gets its own row,
// spec.md §3).
func (t *WriteTx) InsertKarlLaunch(info model.KarlInfo) error {
	var index, tsUS any
	if info.PersistedKeepaliveIndex != nil {
		index = int64(*info.PersistedKeepaliveIndex)
	}
	if info.PersistedKeepaliveTSUS != nil {
		tsUS = *info.PersistedKeepaliveTSUS
	}
	_, err := t.tx.Exec(`
INSERT INTO karl_launches(launch_id, codename, up, persisted_index, persisted_timestamp_us, recorded_at_us)
VALUES (?, ?, ?, ?, ?, ?)
`, info.LaunchID, info.Codename, boolToInt(info.Up), index, tsUS, info.RecordedAtUS)
	if err != nil {
		return fmt.Errorf("store: insert karl launch: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
