package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleet-net/comply-mon/control-plane/internal/config"
	"github.com/fleet-net/comply-mon/pkg/types"
)

// Postgres is the durable Store backed by pgx.
//
// The reports table is append-only with a bigserial seq column; the machines
// table is an index over it (last seen, current overall) maintained in the
// same transaction as each append, never a second source of check content.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store on an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// NewPostgresFromURL creates a store by connecting to the given database URL.
func NewPostgresFromURL(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying connection pool for migrations and diagnostics.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendReport stores one report and updates the machine registry in a single
// transaction. The machines row is locked first so appends for one machine
// serialize; appends for different machines proceed concurrently.
func (s *Postgres) AppendReport(ctx context.Context, r *types.Report) (*types.AppendResult, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevOverall *types.Severity
	var prevTimestamp *time.Time
	var overallStr string
	err = tx.QueryRow(ctx, `
		SELECT overall_severity, last_timestamp
		FROM machines WHERE machine_id = $1
		FOR UPDATE
	`, r.MachineID).Scan(&overallStr, &prevTimestamp)
	switch {
	case err == nil:
		sev, perr := types.ParseSeverity(overallStr)
		if perr != nil {
			return nil, fmt.Errorf("stored overall severity: %w", perr)
		}
		prevOverall = &sev
	case errors.Is(err, pgx.ErrNoRows):
		// First report from this machine.
	default:
		return nil, fmt.Errorf("locking machine row: %w", err)
	}

	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	outOfOrder := prevTimestamp != nil && r.Timestamp.Before(*prevTimestamp)
	fingerprint := r.Fingerprint()

	checksJSON, err := json.Marshal(r.Checks)
	if err != nil {
		return nil, fmt.Errorf("encoding checks: %w", err)
	}
	var resourcesJSON []byte
	if r.Resources != nil {
		resourcesJSON, err = json.Marshal(r.Resources)
		if err != nil {
			return nil, fmt.Errorf("encoding resources: %w", err)
		}
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO reports (id, machine_id, timestamp, received_at, fingerprint,
			os_system, os_version, os_release, checks, overall_severity, resources, out_of_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (machine_id, timestamp, fingerprint) DO NOTHING
		RETURNING seq
	`, id, r.MachineID, r.Timestamp, receivedAt, fingerprint,
		r.OS.System, r.OS.Version, r.OS.Release, checksJSON, r.Overall.String(),
		resourcesJSON, outOfOrder).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// Identical report already stored; return its identity unchanged.
		var existingID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM reports
			WHERE machine_id = $1 AND timestamp = $2 AND fingerprint = $3
		`, r.MachineID, r.Timestamp, fingerprint).Scan(&existingID)
		if err != nil {
			return nil, fmt.Errorf("resolving duplicate report: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		return &types.AppendResult{
			ReportID:  existingID,
			Duplicate: true,
			Previous:  prevOverall,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inserting report: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO machines (machine_id, os_system, os_version, os_release,
			first_seen, last_seen, last_timestamp, overall_severity)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), $5, $6)
		ON CONFLICT (machine_id) DO UPDATE SET
			os_system = EXCLUDED.os_system,
			os_version = EXCLUDED.os_version,
			os_release = EXCLUDED.os_release,
			last_seen = NOW(),
			last_timestamp = EXCLUDED.last_timestamp,
			overall_severity = EXCLUDED.overall_severity
	`, r.MachineID, r.OS.System, r.OS.Version, r.OS.Release, r.Timestamp, r.Overall.String())
	if err != nil {
		return nil, fmt.Errorf("updating machine registry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &types.AppendResult{
		ReportID:   id,
		OutOfOrder: outOfOrder,
		Previous:   prevOverall,
	}, nil
}

// AppendReports bulk-inserts a batch through a staging temp table and COPY.
// Duplicates are dropped by the unique constraint; out-of-order flags are
// computed against the registry as of the start of the batch.
func (s *Postgres) AppendReports(ctx context.Context, reports []*types.Report) (int, error) {
	if len(reports) == 0 {
		return 0, nil
	}
	for _, r := range reports {
		if err := r.Validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE reports_staging (
			ord INTEGER NOT NULL,
			id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			fingerprint TEXT NOT NULL,
			os_system TEXT NOT NULL,
			os_version TEXT,
			os_release TEXT,
			checks JSONB NOT NULL,
			overall_severity TEXT NOT NULL,
			resources JSONB
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, fmt.Errorf("creating staging table: %w", err)
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(reports))
	for i, r := range reports {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		receivedAt := r.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = now
		}
		checksJSON, err := json.Marshal(r.Checks)
		if err != nil {
			return 0, fmt.Errorf("encoding checks: %w", err)
		}
		var resourcesJSON []byte
		if r.Resources != nil {
			resourcesJSON, err = json.Marshal(r.Resources)
			if err != nil {
				return 0, fmt.Errorf("encoding resources: %w", err)
			}
		}
		rows = append(rows, []any{
			i, id, r.MachineID, r.Timestamp, receivedAt, r.Fingerprint(),
			r.OS.System, r.OS.Version, r.OS.Release, checksJSON, r.Overall.String(),
			resourcesJSON,
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"reports_staging"},
		[]string{"ord", "id", "machine_id", "timestamp", "received_at", "fingerprint",
			"os_system", "os_version", "os_release", "checks", "overall_severity", "resources"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copying to staging table: %w", err)
	}

	// Insert in staged order so seq reflects arrival order within the batch.
	inserted, err := tx.Query(ctx, `
		INSERT INTO reports (id, machine_id, timestamp, received_at, fingerprint,
			os_system, os_version, os_release, checks, overall_severity, resources, out_of_order)
		SELECT s.id, s.machine_id, s.timestamp, s.received_at, s.fingerprint,
			s.os_system, s.os_version, s.os_release, s.checks, s.overall_severity, s.resources,
			(m.last_timestamp IS NOT NULL AND s.timestamp < m.last_timestamp)
		FROM reports_staging s
		LEFT JOIN machines m ON s.machine_id = m.machine_id
		ORDER BY s.ord
		ON CONFLICT (machine_id, timestamp, fingerprint) DO NOTHING
		RETURNING machine_id, seq, timestamp, os_system, os_version, os_release, overall_severity
	`)
	if err != nil {
		return 0, fmt.Errorf("inserting from staging table: %w", err)
	}

	type latest struct {
		seq       int64
		timestamp time.Time
		system    string
		version   *string
		release   *string
		overall   string
	}
	newest := make(map[string]latest)
	count := 0
	for inserted.Next() {
		var machineID string
		var l latest
		if err := inserted.Scan(&machineID, &l.seq, &l.timestamp,
			&l.system, &l.version, &l.release, &l.overall); err != nil {
			inserted.Close()
			return 0, fmt.Errorf("scanning inserted report: %w", err)
		}
		count++
		if cur, ok := newest[machineID]; !ok || l.seq > cur.seq {
			newest[machineID] = l
		}
	}
	inserted.Close()
	if err := inserted.Err(); err != nil {
		return 0, fmt.Errorf("reading inserted reports: %w", err)
	}

	for machineID, l := range newest {
		_, err = tx.Exec(ctx, `
			INSERT INTO machines (machine_id, os_system, os_version, os_release,
				first_seen, last_seen, last_timestamp, overall_severity)
			VALUES ($1, $2, $3, $4, NOW(), NOW(), $5, $6)
			ON CONFLICT (machine_id) DO UPDATE SET
				os_system = EXCLUDED.os_system,
				os_version = EXCLUDED.os_version,
				os_release = EXCLUDED.os_release,
				last_seen = NOW(),
				last_timestamp = EXCLUDED.last_timestamp,
				overall_severity = EXCLUDED.overall_severity
		`, machineID, l.system, l.version, l.release, l.timestamp, l.overall)
		if err != nil {
			return 0, fmt.Errorf("updating machine registry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return count, nil
}

// LatestReport returns the most recent report by arrival order.
func (s *Postgres) LatestReport(ctx context.Context, machineID string) (*types.Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, timestamp, received_at,
			os_system, os_version, os_release, checks, overall_severity, resources, out_of_order
		FROM reports
		WHERE machine_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, machineID)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrUnknownMachine
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest report: %w", err)
	}
	return r, nil
}

// MachineHistory returns reports newest-first by arrival order, optionally
// bounded to a reported-timestamp range.
func (s *Postgres) MachineHistory(ctx context.Context, machineID string, q HistoryQuery) ([]*types.Report, error) {
	limit := clampHistoryLimit(q.Limit)

	var since, until *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	if !q.Until.IsZero() {
		until = &q.Until
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, timestamp, received_at,
			os_system, os_version, os_release, checks, overall_severity, resources, out_of_order
		FROM reports
		WHERE machine_id = $1
			AND ($2::timestamptz IS NULL OR timestamp >= $2)
			AND ($3::timestamptz IS NULL OR timestamp <= $3)
		ORDER BY seq DESC
		LIMIT $4
	`, machineID, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var reports []*types.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(reports) == 0 {
		// Distinguish "no reports in range" from "never heard of it".
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM machines WHERE machine_id = $1)
		`, machineID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("checking machine existence: %w", err)
		}
		if !exists {
			return nil, types.ErrUnknownMachine
		}
	}
	return reports, nil
}

// ListMachines derives one snapshot per machine from its latest report.
func (s *Postgres) ListMachines(ctx context.Context, filter types.MachineFilter) ([]*types.MachineSnapshot, error) {
	limit := clampMachineLimit(filter.Limit)

	rows, err := s.pool.Query(ctx, `
		SELECT machine_id, os_system, os_version, os_release,
			received_at, checks, overall_severity
		FROM (
			SELECT DISTINCT ON (machine_id)
				machine_id, os_system, os_version, os_release,
				received_at, checks, overall_severity
			FROM reports
			ORDER BY machine_id, seq DESC
		) latest
		WHERE ($1 = '' OR LOWER(TRIM(os_system)) = $1)
			AND ($2::boolean IS NULL OR (overall_severity = 'critical') = $2)
		ORDER BY machine_id
		LIMIT $3
	`, filter.OSFamily, filter.HasIssues, limit)
	if err != nil {
		return nil, fmt.Errorf("querying machines: %w", err)
	}
	defer rows.Close()

	var snapshots []*types.MachineSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// GetMachine returns one machine's snapshot.
func (s *Postgres) GetMachine(ctx context.Context, machineID string) (*types.MachineSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT machine_id, os_system, os_version, os_release,
			received_at, checks, overall_severity
		FROM reports
		WHERE machine_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, machineID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrUnknownMachine
	}
	if err != nil {
		return nil, fmt.Errorf("querying machine: %w", err)
	}
	return snap, nil
}

// FleetOverview counts machines by their current overall severity.
func (s *Postgres) FleetOverview(ctx context.Context) (*types.FleetOverview, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT overall_severity, COUNT(*)
		FROM machines
		GROUP BY overall_severity
	`)
	if err != nil {
		return nil, fmt.Errorf("querying fleet overview: %w", err)
	}
	defer rows.Close()

	overview := &types.FleetOverview{}
	for rows.Next() {
		var sevStr string
		var count int
		if err := rows.Scan(&sevStr, &count); err != nil {
			return nil, err
		}
		sev, err := types.ParseSeverity(sevStr)
		if err != nil {
			return nil, fmt.Errorf("stored overall severity: %w", err)
		}
		overview.TotalMachines += count
		switch sev {
		case types.SeverityOK:
			overview.OKMachines += count
		case types.SeverityWarning:
			overview.WarningMachines += count
		case types.SeverityCritical:
			overview.CriticalMachines += count
		}
	}
	return overview, rows.Err()
}

// MachineIDs returns all known machine IDs.
func (s *Postgres) MachineIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT machine_id FROM machines ORDER BY machine_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying machine ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneHistory deletes reports beyond the per-machine count bound or older
// than the age bound. Rank 1 (the machine's latest by arrival) is exempt.
func (s *Postgres) PruneHistory(ctx context.Context, policy types.RetentionPolicy) (int64, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	var cutoff *time.Time
	if policy.MaxAge > 0 {
		t := time.Now().UTC().Add(-policy.MaxAge)
		cutoff = &t
	}

	tag, err := s.pool.Exec(ctx, `
		WITH ranked AS (
			SELECT seq, received_at,
				ROW_NUMBER() OVER (PARTITION BY machine_id ORDER BY seq DESC) AS rn
			FROM reports
		)
		DELETE FROM reports r
		USING ranked k
		WHERE r.seq = k.seq
			AND k.rn > 1
			AND (
				($1 > 0 AND k.rn > $1)
				OR ($2::timestamptz IS NOT NULL AND k.received_at < $2)
			)
	`, policy.MaxPerMachine, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanReport reads one reports row.
func scanReport(row pgx.Row) (*types.Report, error) {
	var r types.Report
	var version, release *string
	var checksJSON []byte
	var overallStr string
	var resourcesJSON []byte
	err := row.Scan(&r.ID, &r.MachineID, &r.Timestamp, &r.ReceivedAt,
		&r.OS.System, &version, &release, &checksJSON, &overallStr,
		&resourcesJSON, &r.OutOfOrder)
	if err != nil {
		return nil, err
	}
	if version != nil {
		r.OS.Version = *version
	}
	if release != nil {
		r.OS.Release = *release
	}
	if err := json.Unmarshal(checksJSON, &r.Checks); err != nil {
		return nil, fmt.Errorf("decoding checks: %w", err)
	}
	r.Overall, err = types.ParseSeverity(overallStr)
	if err != nil {
		return nil, fmt.Errorf("stored overall severity: %w", err)
	}
	if len(resourcesJSON) > 0 {
		var res types.ResourceUsage
		if err := json.Unmarshal(resourcesJSON, &res); err != nil {
			return nil, fmt.Errorf("decoding resources: %w", err)
		}
		r.Resources = &res
	}
	return &r, nil
}

// scanSnapshot reads one latest-report row into a snapshot.
func scanSnapshot(row pgx.Row) (*types.MachineSnapshot, error) {
	var snap types.MachineSnapshot
	var version, release *string
	var checksJSON []byte
	var overallStr string
	err := row.Scan(&snap.MachineID, &snap.OS.System, &version, &release,
		&snap.LastSeen, &checksJSON, &overallStr)
	if err != nil {
		return nil, err
	}
	if version != nil {
		snap.OS.Version = *version
	}
	if release != nil {
		snap.OS.Release = *release
	}
	if err := json.Unmarshal(checksJSON, &snap.Checks); err != nil {
		return nil, fmt.Errorf("decoding checks: %w", err)
	}
	snap.Overall, err = types.ParseSeverity(overallStr)
	if err != nil {
		return nil, fmt.Errorf("stored overall severity: %w", err)
	}
	return &snap, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return config.DefaultHistoryLimit
	}
	if limit > config.MaxHistoryLimit {
		return config.MaxHistoryLimit
	}
	return limit
}

func clampMachineLimit(limit int) int {
	if limit <= 0 {
		return config.DefaultMachineLimit
	}
	if limit > config.MaxMachineLimit {
		return config.MaxMachineLimit
	}
	return limit
}
