package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/types"
)

// sqlGateway implements Gateway on top of database/sql. The driver is
// picked from the DSN scheme: "postgres://..." selects lib/pq,
// anything else (including a bare file path) selects modernc.org/sqlite.
type sqlGateway struct {
	db     *sql.DB
	driver string
}

// Open dials the metadata store named by dsn and returns a ready Gateway.
// Callers are expected to call Bootstrap once before first use.
func Open(dsn string) (Gateway, *ferrors.Error) {
	driver, dataSource := resolveDriver(dsn)
	db, err := sql.Open(driver, dataSource)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "open store", err)
	}
	if err := db.Ping(); err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "ping store", err)
	}
	if driver == "sqlite" {
		// modernc.org/sqlite has no concurrent-writer support per
		// connection; serialize the pool to one connection so the
		// shared in-process cache stays consistent under sql.DB's
		// otherwise-parallel connection reuse.
		db.SetMaxOpenConns(1)
	}
	return &sqlGateway{db: db, driver: driver}, nil
}

func resolveDriver(dsn string) (driver, dataSource string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func (g *sqlGateway) Close() error { return g.db.Close() }

// ph returns the positional-parameter marker for n, honoring
// postgres's $1-style binds versus sqlite's ?-style binds.
func (g *sqlGateway) ph(n int) string {
	if g.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (g *sqlGateway) Bootstrap(ctx context.Context) *ferrors.Error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS factors (
			name TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_name TEXT NOT NULL,
			member_name TEXT NOT NULL,
			version_label TEXT NOT NULL,
			PRIMARY KEY (group_name, member_name)
		)`,
		`CREATE TABLE IF NOT EXISTS factor_versions (
			version_id INTEGER PRIMARY KEY AUTOINCREMENT,
			factor_name TEXT NOT NULL,
			version_label TEXT NOT NULL,
			code_blob BLOB,
			UNIQUE (factor_name, version_label)
		)`,
		`CREATE TABLE IF NOT EXISTS linkages (
			linkage_id INTEGER PRIMARY KEY AUTOINCREMENT,
			version_id INTEGER NOT NULL,
			stock TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (version_id, stock)
		)`,
		`CREATE TABLE IF NOT EXISTS update_logs (
			log_id INTEGER PRIMARY KEY AUTOINCREMENT,
			linkage_id INTEGER NOT NULL,
			factor_date TEXT NOT NULL,
			start_ts TIMESTAMP NOT NULL,
			end_ts TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS result_rows (
			linkage_id INTEGER NOT NULL,
			factor_date TEXT NOT NULL,
			row_index INTEGER NOT NULL,
			columns_json TEXT NOT NULL,
			row_json TEXT NOT NULL,
			PRIMARY KEY (linkage_id, factor_date, row_index)
		)`,
		`CREATE TABLE IF NOT EXISTS tick_update_logs (
			log_id INTEGER PRIMARY KEY AUTOINCREMENT,
			stock_code TEXT NOT NULL,
			update_date TEXT NOT NULL,
			start_ts TIMESTAMP NOT NULL,
			end_ts TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tick_rows (
			stock_code TEXT NOT NULL,
			update_date TEXT NOT NULL,
			row_index INTEGER NOT NULL,
			columns_json TEXT NOT NULL,
			row_json TEXT NOT NULL,
			PRIMARY KEY (stock_code, update_date, row_index)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_views (
			view_name TEXT PRIMARY KEY,
			relation_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS finished_tasks (
			task_id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			commit_ts TIMESTAMP NOT NULL,
			finish_ts TIMESTAMP NOT NULL,
			final_status TEXT NOT NULL,
			total_units INTEGER NOT NULL,
			finished_units INTEGER NOT NULL,
			aborted_units INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			is_sub_task INTEGER NOT NULL,
			dependencies_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return ferrors.Wrap(ferrors.DBExecutionFailed, "bootstrap schema", err)
		}
	}
	return nil
}

func (g *sqlGateway) CreateFactor(ctx context.Context, name string) *ferrors.Error {
	exists, ferr := g.IsFactorExists(ctx, name)
	if ferr != nil {
		return ferr
	}
	if exists {
		return ferrors.New(ferrors.FactorAlreadyExists, name)
	}
	isGroup := strings.HasPrefix(name, types.GroupPrefix)
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO factors (name, is_group, created_at) VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`)`,
		name, boolToInt(isGroup), time.Now())
	if err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "insert factor", err)
	}
	return nil
}

func (g *sqlGateway) CreateGroupFactor(ctx context.Context, name string, members []string) *ferrors.Error {
	if ferr := g.CreateFactor(ctx, name); ferr != nil {
		return ferr
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "begin tx", err)
	}
	defer tx.Rollback()

	for _, member := range members {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT group_name FROM group_members WHERE member_name = `+g.ph(1)+` LIMIT 1`, member).Scan(&owner)
		if err == nil && owner != "" && owner != name {
			return ferrors.New(ferrors.SubFactorConflictWithOtherFactor, member)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_name, member_name, version_label) VALUES (`+g.ph(1)+`, `+g.ph(2)+`, '')`,
			name, member); err != nil {
			return ferrors.Wrap(ferrors.DBExecutionFailed, "insert group member", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "commit group members", err)
	}
	return nil
}

func (g *sqlGateway) IsFactorExists(ctx context.Context, name string) (bool, *ferrors.Error) {
	var count int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM factors WHERE name = `+g.ph(1), name).Scan(&count)
	if err != nil {
		return false, ferrors.Wrap(ferrors.DBExecutionFailed, "check factor exists", err)
	}
	return count > 0, nil
}

func (g *sqlGateway) CreateVersion(ctx context.Context, factor, versionLabel string, code []byte) (int64, *ferrors.Error) {
	exists, ferr := g.IsVersionExists(ctx, factor, versionLabel)
	if ferr != nil {
		return 0, ferr
	}
	if exists {
		return 0, ferrors.New(ferrors.FactorVersionAlreadyExists, factor+"@"+versionLabel)
	}
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO factor_versions (factor_name, version_label, code_blob) VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`)`,
		factor, versionLabel, code)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.DBExecutionFailed, "insert version", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ferrors.Wrap(ferrors.DBExecutionFailed, "read version id", err)
	}
	return id, nil
}

func (g *sqlGateway) CreateGroupVersion(ctx context.Context, group, versionLabel string, memberVersions map[string]string) (int64, *ferrors.Error) {
	versionID, ferr := g.CreateVersion(ctx, group, versionLabel, nil)
	if ferr != nil {
		return 0, ferr
	}
	for member, mv := range memberVersions {
		if _, err := g.db.ExecContext(ctx,
			`UPDATE group_members SET version_label = `+g.ph(1)+` WHERE group_name = `+g.ph(2)+` AND member_name = `+g.ph(3),
			mv, group, member); err != nil {
			return 0, ferrors.Wrap(ferrors.DBExecutionFailed, "update member version", err)
		}
	}
	return versionID, nil
}

func (g *sqlGateway) IsVersionExists(ctx context.Context, factor, versionLabel string) (bool, *ferrors.Error) {
	var count int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM factor_versions WHERE factor_name = `+g.ph(1)+` AND version_label = `+g.ph(2),
		factor, versionLabel).Scan(&count)
	if err != nil {
		return false, ferrors.Wrap(ferrors.DBExecutionFailed, "check version exists", err)
	}
	return count > 0, nil
}

func (g *sqlGateway) GetLatestVersion(ctx context.Context, factor string) (*types.FactorVersion, *ferrors.Error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT version_id, factor_name, version_label, code_blob FROM factor_versions
		 WHERE factor_name = `+g.ph(1)+` ORDER BY version_id DESC LIMIT 1`, factor)
	var fv types.FactorVersion
	if err := row.Scan(&fv.VersionID, &fv.FactorName, &fv.VersionLabel, &fv.CodeBlob); err != nil {
		if err == sql.ErrNoRows {
			return nil, ferrors.New(ferrors.TaskNotExists, factor)
		}
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "read latest version", err)
	}
	return &fv, nil
}

// GetGroupForMember resolves a member factor to its owning group. The
// linkage and result-table accessors take IDs, not names, so they do not
// call it; the ingestor calls it to route a member's result write to its
// group. Returns "" when the name is not a member of any group (i.e. it
// is a plain factor).
func (g *sqlGateway) GetGroupForMember(ctx context.Context, member string) (string, *ferrors.Error) {
	var group string
	err := g.db.QueryRowContext(ctx,
		`SELECT group_name FROM group_members WHERE member_name = `+g.ph(1)+` LIMIT 1`, member).Scan(&group)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", ferrors.Wrap(ferrors.DBExecutionFailed, "resolve group for member", err)
	}
	return group, nil
}

func (g *sqlGateway) GetMembers(ctx context.Context, group string, versionID *int64) ([]types.GroupMembership, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT group_name, member_name, version_label FROM group_members WHERE group_name = `+g.ph(1), group)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list group members", err)
	}
	defer rows.Close()
	var out []types.GroupMembership
	for rows.Next() {
		var m types.GroupMembership
		if err := rows.Scan(&m.GroupName, &m.MemberName, &m.VersionLabel); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan group member", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (g *sqlGateway) ListFactors(ctx context.Context) ([]types.Factor, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx, `SELECT name, is_group, created_at FROM factors`)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list factors", err)
	}
	defer rows.Close()
	var out []types.Factor
	for rows.Next() {
		var f types.Factor
		var isGroup int
		if err := rows.Scan(&f.Name, &isGroup, &f.CreatedAt); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan factor", err)
		}
		f.IsGroup = isGroup != 0
		out = append(out, f)
	}
	return out, nil
}

func (g *sqlGateway) ListVersions(ctx context.Context, factor string) ([]types.FactorVersion, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT version_id, factor_name, version_label, code_blob FROM factor_versions WHERE factor_name = `+g.ph(1), factor)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list versions", err)
	}
	defer rows.Close()
	var out []types.FactorVersion
	for rows.Next() {
		var fv types.FactorVersion
		if err := rows.Scan(&fv.VersionID, &fv.FactorName, &fv.VersionLabel, &fv.CodeBlob); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan version", err)
		}
		out = append(out, fv)
	}
	return out, nil
}

func (g *sqlGateway) CreateLinkage(ctx context.Context, versionID int64, stock string) (int64, *ferrors.Error) {
	if id, ferr := g.GetLinkageID(ctx, versionID, stock); ferr == nil && id != 0 {
		return 0, ferrors.New(ferrors.LinkageAlreadyExists, stock)
	}
	now := time.Now()
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO linkages (version_id, stock, created_at, updated_at) VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`, `+g.ph(4)+`)`,
		versionID, stock, now, now)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.DBExecutionFailed, "insert linkage", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ferrors.Wrap(ferrors.DBExecutionFailed, "read linkage id", err)
	}
	return id, nil
}

func (g *sqlGateway) GetLinkageID(ctx context.Context, versionID int64, stock string) (int64, *ferrors.Error) {
	var id int64
	err := g.db.QueryRowContext(ctx,
		`SELECT linkage_id FROM linkages WHERE version_id = `+g.ph(1)+` AND stock = `+g.ph(2),
		versionID, stock).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ferrors.New(ferrors.LinkageNotExists, stock)
		}
		return 0, ferrors.Wrap(ferrors.DBExecutionFailed, "read linkage id", err)
	}
	return id, nil
}

func (g *sqlGateway) ListLinkedStocks(ctx context.Context, factor string) ([]types.Linkage, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT l.linkage_id, l.version_id, l.stock, l.created_at, l.updated_at
		 FROM linkages l JOIN factor_versions v ON v.version_id = l.version_id
		 WHERE v.factor_name = `+g.ph(1), factor)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list linked stocks", err)
	}
	defer rows.Close()
	var out []types.Linkage
	for rows.Next() {
		var l types.Linkage
		if err := rows.Scan(&l.LinkageID, &l.VersionID, &l.Stock, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan linkage", err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (g *sqlGateway) IsResultTableExists(ctx context.Context, linkageID int64) (bool, *ferrors.Error) {
	var count int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM result_rows WHERE linkage_id = `+g.ph(1)+` LIMIT 1`, linkageID).Scan(&count)
	if err != nil {
		return false, ferrors.Wrap(ferrors.DBExecutionFailed, "check result table exists", err)
	}
	return count > 0, nil
}

func (g *sqlGateway) ListUpdatedDates(ctx context.Context, linkageID int64) ([]string, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT factor_date FROM update_logs WHERE linkage_id = `+g.ph(1)+` AND end_ts IS NOT NULL ORDER BY factor_date`,
		linkageID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list updated dates", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan updated date", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// WriteResultFrame applies the clear-then-insert-then-bracket pattern:
// delete any prior rows and prior update-log row for the day, insert
// the new rows, open a fresh update-log row, then stamp its end_ts once
// every row has landed. A reader that only trusts rows inside a closed
// bracket never observes a half-written day, and re-committing the same
// day never leaves more than one update-log row behind.
func (g *sqlGateway) WriteResultFrame(ctx context.Context, linkageID int64, date string, frame *types.Frame) *ferrors.Error {
	if frame.RowCount() != types.TickLength {
		return ferrors.New(ferrors.InvalidFactorResult, fmt.Sprintf("expected %d rows, got %d", types.TickLength, frame.RowCount()))
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM result_rows WHERE linkage_id = `+g.ph(1)+` AND factor_date = `+g.ph(2),
		linkageID, date); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "clear result rows", err)
	}

	colsJSON, err := json.Marshal(frame.Columns)
	if err != nil {
		return ferrors.Wrap(ferrors.InvalidFactorResult, "marshal columns", err)
	}
	for i, row := range frame.Rows {
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return ferrors.Wrap(ferrors.InvalidFactorResult, "marshal row", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO result_rows (linkage_id, factor_date, row_index, columns_json, row_json)
			 VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`, `+g.ph(4)+`, `+g.ph(5)+`)`,
			linkageID, date, i, string(colsJSON), string(rowJSON)); err != nil {
			return ferrors.Wrap(ferrors.DBExecutionFailed, "insert result row", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM update_logs WHERE linkage_id = `+g.ph(1)+` AND factor_date = `+g.ph(2),
		linkageID, date); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "clear prior update log", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO update_logs (linkage_id, factor_date, start_ts, end_ts) VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`, `+g.ph(4)+`)`,
		linkageID, date, now, now); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "bracket update log", err)
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "commit result frame", err)
	}
	return nil
}

func (g *sqlGateway) ReadResultFrame(ctx context.Context, linkageID int64, date string) (*types.Frame, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT columns_json, row_json FROM result_rows
		 WHERE linkage_id = `+g.ph(1)+` AND factor_date = `+g.ph(2)+` ORDER BY row_index`,
		linkageID, date)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "read result frame", err)
	}
	defer rows.Close()
	return scanFrame(rows)
}

func (g *sqlGateway) ReadResultRange(ctx context.Context, linkageID int64, from, to string) (*types.Frame, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT columns_json, row_json FROM result_rows
		 WHERE linkage_id = `+g.ph(1)+` AND factor_date >= `+g.ph(2)+` AND factor_date <= `+g.ph(3)+`
		 ORDER BY factor_date, row_index`,
		linkageID, from, to)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "read result range", err)
	}
	defer rows.Close()
	return scanFrame(rows)
}

func (g *sqlGateway) WriteTickFrame(ctx context.Context, stock string, date string, frame *types.Frame) *ferrors.Error {
	if frame.RowCount() != types.TickLength {
		return ferrors.New(ferrors.TickResultIncorrect, fmt.Sprintf("expected %d rows, got %d", types.TickLength, frame.RowCount()))
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tick_rows WHERE stock_code = `+g.ph(1)+` AND update_date = `+g.ph(2),
		stock, date); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "clear tick rows", err)
	}

	colsJSON, err := json.Marshal(frame.Columns)
	if err != nil {
		return ferrors.Wrap(ferrors.TickResultIncorrect, "marshal columns", err)
	}
	for i, row := range frame.Rows {
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return ferrors.Wrap(ferrors.TickResultIncorrect, "marshal row", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tick_rows (stock_code, update_date, row_index, columns_json, row_json)
			 VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`, `+g.ph(4)+`, `+g.ph(5)+`)`,
			stock, date, i, string(colsJSON), string(rowJSON)); err != nil {
			return ferrors.Wrap(ferrors.DBExecutionFailed, "insert tick row", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tick_update_logs WHERE stock_code = `+g.ph(1)+` AND update_date = `+g.ph(2),
		stock, date); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "clear prior tick update log", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tick_update_logs (stock_code, update_date, start_ts, end_ts) VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`, `+g.ph(4)+`)`,
		stock, date, now, now); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "bracket tick update log", err)
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "commit tick frame", err)
	}
	return nil
}

func (g *sqlGateway) ReadTickFrame(ctx context.Context, stock string, date string) (*types.Frame, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT columns_json, row_json FROM tick_rows
		 WHERE stock_code = `+g.ph(1)+` AND update_date = `+g.ph(2)+` ORDER BY row_index`,
		stock, date)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "read tick frame", err)
	}
	defer rows.Close()
	return scanFrame(rows)
}

func (g *sqlGateway) ListTickUpdatedDates(ctx context.Context, stock string) ([]string, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT update_date FROM tick_update_logs WHERE stock_code = `+g.ph(1)+` AND end_ts IS NOT NULL ORDER BY update_date`,
		stock)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list tick updated dates", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan tick updated date", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (g *sqlGateway) IsTickStockExists(ctx context.Context, stock string) (bool, *ferrors.Error) {
	var count int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tick_update_logs WHERE stock_code = `+g.ph(1)+` LIMIT 1`, stock).Scan(&count)
	if err != nil {
		return false, ferrors.Wrap(ferrors.DBExecutionFailed, "check tick stock exists", err)
	}
	return count > 0, nil
}

func (g *sqlGateway) CreateStockView(ctx context.Context, view types.StockView) *ferrors.Error {
	if len(view.Relation) == 0 {
		return ferrors.New(ferrors.InvalidStockViewRelation, view.ViewName)
	}
	relJSON, err := json.Marshal(view.Relation)
	if err != nil {
		return ferrors.Wrap(ferrors.InvalidStockViewRelation, "marshal relation", err)
	}
	if _, err := g.db.ExecContext(ctx,
		`INSERT INTO stock_views (view_name, relation_json) VALUES (`+g.ph(1)+`, `+g.ph(2)+`)`,
		view.ViewName, string(relJSON)); err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "insert stock view", err)
	}
	return nil
}

func (g *sqlGateway) GetStockView(ctx context.Context, name string) (*types.StockView, *ferrors.Error) {
	var relJSON string
	err := g.db.QueryRowContext(ctx,
		`SELECT relation_json FROM stock_views WHERE view_name = `+g.ph(1), name).Scan(&relJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ferrors.New(ferrors.TickStockViewNotExists, name)
		}
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "read stock view", err)
	}
	view := &types.StockView{ViewName: name}
	if err := json.Unmarshal([]byte(relJSON), &view.Relation); err != nil {
		return nil, ferrors.Wrap(ferrors.InvalidStockViewRelation, "unmarshal relation", err)
	}
	return view, nil
}

func (g *sqlGateway) RecordFinishedTask(ctx context.Context, ft types.FinishedTask) *ferrors.Error {
	depsJSON, err := json.Marshal(ft.Dependencies)
	if err != nil {
		return ferrors.Wrap(ferrors.ServerInternalError, "marshal dependencies", err)
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO finished_tasks
		 (task_id, task_type, commit_ts, finish_ts, final_status, total_units, finished_units, aborted_units, worker_id, is_sub_task, dependencies_json)
		 VALUES (`+g.ph(1)+`, `+g.ph(2)+`, `+g.ph(3)+`, `+g.ph(4)+`, `+g.ph(5)+`, `+g.ph(6)+`, `+g.ph(7)+`, `+g.ph(8)+`, `+g.ph(9)+`, `+g.ph(10)+`, `+g.ph(11)+`)`,
		ft.TaskID, ft.TaskType, ft.CommitTS, ft.FinishTS, string(ft.FinalStatus),
		ft.TotalUnits, ft.FinishedUnits, ft.AbortedUnits, ft.WorkerID, boolToInt(ft.IsSubTask), string(depsJSON))
	if err != nil {
		return ferrors.Wrap(ferrors.DBExecutionFailed, "insert finished task", err)
	}
	return nil
}

func (g *sqlGateway) ListFinishedTasks(ctx context.Context, since time.Time) ([]types.FinishedTask, *ferrors.Error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT task_id, task_type, commit_ts, finish_ts, final_status, total_units, finished_units, aborted_units, worker_id, is_sub_task, dependencies_json
		 FROM finished_tasks WHERE finish_ts >= `+g.ph(1)+` ORDER BY finish_ts`, since)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "list finished tasks", err)
	}
	defer rows.Close()
	var out []types.FinishedTask
	for rows.Next() {
		var ft types.FinishedTask
		var finalStatus string
		var isSubTask int
		var depsJSON string
		if err := rows.Scan(&ft.TaskID, &ft.TaskType, &ft.CommitTS, &ft.FinishTS, &finalStatus,
			&ft.TotalUnits, &ft.FinishedUnits, &ft.AbortedUnits, &ft.WorkerID, &isSubTask, &depsJSON); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan finished task", err)
		}
		ft.FinalStatus = types.TaskFinalStatus(finalStatus)
		ft.IsSubTask = isSubTask != 0
		if err := json.Unmarshal([]byte(depsJSON), &ft.Dependencies); err != nil {
			return nil, ferrors.Wrap(ferrors.ServerInternalError, "unmarshal dependencies", err)
		}
		out = append(out, ft)
	}
	return out, nil
}

func scanFrame(rows *sql.Rows) (*types.Frame, *ferrors.Error) {
	frame := &types.Frame{}
	for rows.Next() {
		var colsJSON, rowJSON string
		if err := rows.Scan(&colsJSON, &rowJSON); err != nil {
			return nil, ferrors.Wrap(ferrors.DBExecutionFailed, "scan frame row", err)
		}
		if frame.Columns == nil {
			if err := json.Unmarshal([]byte(colsJSON), &frame.Columns); err != nil {
				return nil, ferrors.Wrap(ferrors.ServerInternalError, "unmarshal columns", err)
			}
		}
		var row []any
		if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
			return nil, ferrors.Wrap(ferrors.ServerInternalError, "unmarshal row", err)
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
