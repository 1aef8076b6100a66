package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"registrar/internal/store"
)

// Repository persists attendance data in Postgres or SQLite.
type Repository struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, dialect store.Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

var _ Store = (*Repository)(nil)

func (r *Repository) exec(ctx context.Context, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LoadConfig overlays stored values onto into.
func (r *Repository) LoadConfig(ctx context.Context, orgID string, into *OrgConfig) (bool, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.Rebind(`
		SELECT present_role_id, absent_role_id, excused_role_id, permitted_role_id,
		       welcome_channel_id, report_channel_id, last_report_message_id, last_report_channel_id,
		       attendance_mode, expiry_hours, window_start_time, window_end_time, utc_offset_minutes,
		       allow_self_marking, require_admin_excuse, last_opened_date, last_processed_date
		FROM org_configs WHERE org_id = ?
	`), orgID)

	var (
		present, absent, excused, permitted sql.NullString
		welcome, report, lastMsg, lastChan  sql.NullString
		mode, start, end, opened, processed sql.NullString
		expiry, offset                      sql.NullInt64
		selfMarking, adminExcuse            sql.NullBool
	)
	err := row.Scan(&present, &absent, &excused, &permitted,
		&welcome, &report, &lastMsg, &lastChan,
		&mode, &expiry, &start, &end, &offset,
		&selfMarking, &adminExcuse, &opened, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: load config %s: %v", ErrPersistence, orgID, err)
	}

	into.OrgID = orgID
	overlay := func(dst *string, v sql.NullString) {
		if v.Valid {
			*dst = v.String
		}
	}
	overlay(&into.PresentRoleID, present)
	overlay(&into.AbsentRoleID, absent)
	overlay(&into.ExcusedRoleID, excused)
	overlay(&into.PermittedRoleID, permitted)
	overlay(&into.WelcomeChannelID, welcome)
	overlay(&into.ReportChannelID, report)
	overlay(&into.LastReportMessageID, lastMsg)
	overlay(&into.LastReportChannelID, lastChan)
	overlay(&into.LastOpenedDate, opened)
	overlay(&into.LastProcessedDate, processed)

	if mode.Valid && (Mode(mode.String) == ModeWindow || Mode(mode.String) == ModeDuration) {
		into.Mode = Mode(mode.String)
	}
	if expiry.Valid && expiry.Int64 > 0 {
		into.ExpiryHours = int(expiry.Int64)
	}
	if offset.Valid {
		into.UTCOffsetMinutes = int(offset.Int64)
	}
	if start.Valid {
		if t, err := ParseTimeOfDay(start.String); err == nil {
			into.WindowStart = t
		}
	}
	if end.Valid {
		if t, err := ParseTimeOfDay(end.String); err == nil {
			into.WindowEnd = t
		}
	}
	if selfMarking.Valid {
		into.AllowSelfMarking = selfMarking.Bool
	}
	if adminExcuse.Valid {
		into.RequireAdminExcuse = adminExcuse.Bool
	}
	return true, nil
}

// PutConfig upserts the full configuration row.
func (r *Repository) PutConfig(ctx context.Context, cfg OrgConfig) error {
	if cfg.OrgID == "" {
		return fmt.Errorf("%w: org id required", ErrInvalidInput)
	}
	return r.exec(ctx, `
		INSERT INTO org_configs (org_id, present_role_id, absent_role_id, excused_role_id, permitted_role_id,
			welcome_channel_id, report_channel_id, last_report_message_id, last_report_channel_id,
			attendance_mode, expiry_hours, window_start_time, window_end_time, utc_offset_minutes,
			allow_self_marking, require_admin_excuse, last_opened_date, last_processed_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id) DO UPDATE SET
			present_role_id = excluded.present_role_id,
			absent_role_id = excluded.absent_role_id,
			excused_role_id = excluded.excused_role_id,
			permitted_role_id = excluded.permitted_role_id,
			welcome_channel_id = excluded.welcome_channel_id,
			report_channel_id = excluded.report_channel_id,
			last_report_message_id = excluded.last_report_message_id,
			last_report_channel_id = excluded.last_report_channel_id,
			attendance_mode = excluded.attendance_mode,
			expiry_hours = excluded.expiry_hours,
			window_start_time = excluded.window_start_time,
			window_end_time = excluded.window_end_time,
			utc_offset_minutes = excluded.utc_offset_minutes,
			allow_self_marking = excluded.allow_self_marking,
			require_admin_excuse = excluded.require_admin_excuse,
			last_opened_date = excluded.last_opened_date,
			last_processed_date = excluded.last_processed_date,
			updated_at = excluded.updated_at
	`, cfg.OrgID, nullable(cfg.PresentRoleID), nullable(cfg.AbsentRoleID), nullable(cfg.ExcusedRoleID),
		nullable(cfg.PermittedRoleID), nullable(cfg.WelcomeChannelID), nullable(cfg.ReportChannelID),
		nullable(cfg.LastReportMessageID), nullable(cfg.LastReportChannelID),
		string(cfg.Mode), cfg.ExpiryHours, cfg.WindowStart.String(), cfg.WindowEnd.String(), cfg.UTCOffsetMinutes,
		cfg.AllowSelfMarking, cfg.RequireAdminExcuse, nullable(cfg.LastOpenedDate), nullable(cfg.LastProcessedDate),
		time.Now().UTC().Format(time.RFC3339))
}

// DeleteOrg removes the configuration, records and counters of an organization.
func (r *Repository) DeleteOrg(ctx context.Context, orgID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"attendance_records", "attendance_stats", "org_configs"} {
		if _, err := tx.ExecContext(ctx, r.dialect.Rebind("DELETE FROM "+table+" WHERE org_id = ?"), orgID); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrPersistence, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

// Records returns every record of the organization keyed by subject, normalized.
func (r *Repository) Records(ctx context.Context, orgID string) (map[string]Record, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(`
		SELECT subject_id, status, timestamp, channel_id, reason
		FROM attendance_records WHERE org_id = ?
	`), orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: list records %s: %v", ErrPersistence, orgID, err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var (
			subject                     string
			status, ts, channel, reason sql.NullString
		)
		if err := rows.Scan(&subject, &status, &ts, &channel, &reason); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ErrPersistence, err)
		}
		out[subject] = NormalizeRecord(subject, LegacyRecord{
			Status:    status.String,
			Timestamp: ts.String,
			ChannelID: channel.String,
			Reason:    reason.String,
		}, time.UTC)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return out, nil
}

func formatTimestamp(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// PutRecord inserts or overwrites the record of one subject.
func (r *Repository) PutRecord(ctx context.Context, orgID string, rec Record) error {
	if rec.SubjectID == "" {
		return fmt.Errorf("%w: subject id required", ErrInvalidInput)
	}
	return r.exec(ctx, `
		INSERT INTO attendance_records (org_id, subject_id, status, timestamp, channel_id, reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, subject_id) DO UPDATE SET
			status = excluded.status,
			timestamp = excluded.timestamp,
			channel_id = excluded.channel_id,
			reason = excluded.reason
	`, orgID, rec.SubjectID, string(rec.Status), formatTimestamp(rec.Timestamp), nullable(rec.OriginChannelID), nullable(rec.Reason))
}

// DeleteRecord removes one subject's record.
func (r *Repository) DeleteRecord(ctx context.Context, orgID, subjectID string) error {
	return r.exec(ctx, `DELETE FROM attendance_records WHERE org_id = ? AND subject_id = ?`, orgID, subjectID)
}

// ReplaceRecords swaps the whole record set in one transaction.
func (r *Repository) ReplaceRecords(ctx context.Context, orgID string, recs map[string]Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM attendance_records WHERE org_id = ?`), orgID); err != nil {
		return fmt.Errorf("%w: clear records: %v", ErrPersistence, err)
	}
	insert := r.dialect.Rebind(`
		INSERT INTO attendance_records (org_id, subject_id, status, timestamp, channel_id, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	for subject, rec := range recs {
		if _, err := tx.ExecContext(ctx, insert, orgID, subject, string(rec.Status),
			formatTimestamp(rec.Timestamp), nullable(rec.OriginChannelID), nullable(rec.Reason)); err != nil {
			return fmt.Errorf("%w: insert record %s: %v", ErrPersistence, subject, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

// ClearRecords deletes every record of the organization.
func (r *Repository) ClearRecords(ctx context.Context, orgID string) error {
	return r.exec(ctx, `DELETE FROM attendance_records WHERE org_id = ?`, orgID)
}

// IncrementCounter bumps the per-status counter of a subject.
func (r *Repository) IncrementCounter(ctx context.Context, orgID, subjectID string, status Status) error {
	var p, a, e int
	switch status {
	case StatusPresent:
		p = 1
	case StatusAbsent:
		a = 1
	case StatusExcused:
		e = 1
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.exec(ctx, `
		INSERT INTO attendance_stats (org_id, subject_id, present_count, absent_count, excused_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (org_id, subject_id) DO UPDATE SET
			present_count = attendance_stats.present_count + excluded.present_count,
			absent_count = attendance_stats.absent_count + excluded.absent_count,
			excused_count = attendance_stats.excused_count + excluded.excused_count
	`, orgID, subjectID, p, a, e)
}

// Leaderboard returns the top subjects by present count.
func (r *Repository) Leaderboard(ctx context.Context, orgID string, limit int) ([]Stats, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(`
		SELECT subject_id, present_count, absent_count, excused_count
		FROM attendance_stats
		WHERE org_id = ?
		ORDER BY present_count DESC, excused_count DESC, absent_count ASC, subject_id ASC
		LIMIT ?
	`), orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: leaderboard %s: %v", ErrPersistence, orgID, err)
	}
	defer rows.Close()

	var res []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.SubjectID, &s.PresentCount, &s.AbsentCount, &s.ExcusedCount); err != nil {
			return nil, fmt.Errorf("%w: scan stats: %v", ErrPersistence, err)
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return res, nil
}

// ClearStats wipes the organization's counters.
func (r *Repository) ClearStats(ctx context.Context, orgID string) error {
	return r.exec(ctx, `DELETE FROM attendance_stats WHERE org_id = ?`, orgID)
}

// ListOrgs returns every organization with a config row or a record.
func (r *Repository) ListOrgs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT org_id FROM org_configs
		UNION
		SELECT DISTINCT org_id FROM attendance_records
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list orgs: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan org: %v", ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return ids, nil
}
