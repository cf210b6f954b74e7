// Package sqlite is a local board store for development and the CLI. There is
// no command queue in front of it: moves are applied in-process by a
// processor.Processor as soon as they are enqueued.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"

	"portfolio-kanban/domain"
	"portfolio-kanban/processor"
	"portfolio-kanban/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_types (
	workspace_id TEXT NOT NULL,
	ref TEXT NOT NULL,
	name TEXT NOT NULL,
	ordinal INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace_id, ref)
);
CREATE TABLE IF NOT EXISTS states (
	workspace_id TEXT NOT NULL,
	ref TEXT NOT NULL,
	type_ref TEXT NOT NULL,
	name TEXT NOT NULL,
	wip_limit INTEGER,
	description TEXT NOT NULL DEFAULT '',
	order_index INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (workspace_id, ref)
);
CREATE INDEX IF NOT EXISTS idx_states_type ON states(workspace_id, type_ref);
CREATE TABLE IF NOT EXISTS items (
	workspace_id TEXT NOT NULL,
	ref TEXT NOT NULL,
	type_ref TEXT NOT NULL,
	state_ref TEXT NOT NULL DEFAULT '',
	formatted_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	percent_done REAL NOT NULL DEFAULT 0,
	state_changed_at INTEGER,
	rank INTEGER NOT NULL DEFAULT 0,
	fields TEXT,
	PRIMARY KEY (workspace_id, ref)
);
CREATE INDEX IF NOT EXISTS idx_items_type ON items(workspace_id, type_ref);
CREATE TABLE IF NOT EXISTS settings (
	user_id TEXT PRIMARY KEY,
	show_policies INTEGER NOT NULL DEFAULT 0,
	fields TEXT NOT NULL DEFAULT ''
);
`

var _ storage.Store = (*Store)(nil)

// Store is a SQLite backed board store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FetchTypes(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref, name, ordinal FROM workflow_types WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query types: %w", err)
	}
	defer rows.Close()

	types := []domain.WorkflowType{}
	for rows.Next() {
		var t domain.WorkflowType
		if err := rows.Scan(&t.Ref, &t.Name, &t.Ordinal); err != nil {
			return nil, fmt.Errorf("scan type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	storage.SortTypes(types)
	return types, nil
}

func (s *Store) FetchStates(ctx context.Context, workspaceID, typeRef string) ([]domain.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref, type_ref, name, wip_limit, description, order_index, enabled
		FROM states
		WHERE workspace_id = ? AND type_ref = ? AND enabled = 1
		ORDER BY order_index ASC`, workspaceID, typeRef)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	states := []domain.StateRecord{}
	for rows.Next() {
		var (
			st  domain.StateRecord
			wip sql.NullInt64
		)
		if err := rows.Scan(&st.Ref, &st.TypeRef, &st.Name, &wip, &st.Description, &st.OrderIndex, &st.Enabled); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if wip.Valid {
			n := int(wip.Int64)
			st.WIPLimit = &n
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

const itemColumns = `ref, type_ref, state_ref, formatted_id, name, owner, percent_done, state_changed_at, rank, fields`

func (s *Store) FetchItems(ctx context.Context, workspaceID, typeRef string, fields []string) ([]domain.ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE workspace_id = ? AND type_ref = ?`, workspaceID, typeRef)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []domain.ItemRecord{}
	for rows.Next() {
		item, err := scanItem(rows, fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE workspace_id = ? AND ref = ?`, workspaceID, itemRef)
	item, err := scanItem(row, nil)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ItemRecord{}, domain.ErrItemNotFound
	}
	return item, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner, fields []string) (domain.ItemRecord, error) {
	var (
		item      domain.ItemRecord
		changedMs sql.NullInt64
		rawFields sql.NullString
	)
	err := sc.Scan(&item.Ref, &item.TypeRef, &item.StateRef, &item.FormattedID, &item.Name, &item.Owner,
		&item.PercentDoneByStoryCount, &changedMs, &item.Rank, &rawFields)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ItemRecord{}, err
		}
		return domain.ItemRecord{}, fmt.Errorf("scan item: %w", err)
	}
	if changedMs.Valid {
		item.StateChangedAt = time.UnixMilli(changedMs.Int64).UTC()
	}
	if rawFields.Valid && rawFields.String != "" && len(fields) > 0 {
		var all map[string]string
		if err := sonic.UnmarshalString(rawFields.String, &all); err != nil {
			return domain.ItemRecord{}, fmt.Errorf("decode item fields: %w", err)
		}
		for _, f := range fields {
			if v, ok := all[f]; ok {
				if item.Fields == nil {
					item.Fields = make(map[string]string)
				}
				item.Fields[f] = v
			}
		}
	}
	return item, nil
}

// SaveItemPlacement stores the item's state, state changed date and rank.
func (s *Store) SaveItemPlacement(ctx context.Context, workspaceID string, item domain.ItemRecord) error {
	res, err := s.db.ExecContext(ctx, `UPDATE items SET state_ref = ?, state_changed_at = ?, rank = ? WHERE workspace_id = ? AND ref = ?`,
		item.StateRef, nullableMillis(item.StateChangedAt), item.Rank, workspaceID, item.Ref)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (s *Store) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	var settings domain.Settings
	err := s.db.QueryRowContext(ctx, `SELECT show_policies, fields FROM settings WHERE user_id = ?`, userID).
		Scan(&settings.ShowPolicies, &settings.Fields)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settings{}, nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("query settings: %w", err)
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, userID string, settings domain.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, show_policies, fields) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET show_policies = excluded.show_policies, fields = excluded.fields`,
		userID, settings.ShowPolicies, settings.Fields)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// EnqueueCommands applies commands immediately through a processor without
// a cache or update channel. The server wires its own processor so moves
// also evict cached items and publish board updates.
func (s *Store) EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error {
	return processor.New(s, nil, nil, "", nil).EnqueueCommands(ctx, workspaceID, userID, cmds)
}

func (s *Store) UpsertType(ctx context.Context, workspaceID string, t domain.WorkflowType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_types (workspace_id, ref, name, ordinal) VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, ref) DO UPDATE SET name = excluded.name, ordinal = excluded.ordinal`,
		workspaceID, t.Ref, t.Name, t.Ordinal)
	if err != nil {
		return fmt.Errorf("upsert type: %w", err)
	}
	return nil
}

func (s *Store) UpsertState(ctx context.Context, workspaceID string, st domain.StateRecord) error {
	var wip any
	if st.WIPLimit != nil {
		wip = *st.WIPLimit
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO states (workspace_id, ref, type_ref, name, wip_limit, description, order_index, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, ref) DO UPDATE SET
			type_ref = excluded.type_ref, name = excluded.name, wip_limit = excluded.wip_limit,
			description = excluded.description, order_index = excluded.order_index, enabled = excluded.enabled`,
		workspaceID, st.Ref, st.TypeRef, st.Name, wip, st.Description, st.OrderIndex, st.Enabled)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *Store) UpsertItem(ctx context.Context, workspaceID string, item domain.ItemRecord) error {
	var fields any
	if len(item.Fields) > 0 {
		data, err := sonic.Marshal(item.Fields)
		if err != nil {
			return err
		}
		fields = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (workspace_id, ref, type_ref, state_ref, formatted_id, name, owner, percent_done, state_changed_at, rank, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, ref) DO UPDATE SET
			type_ref = excluded.type_ref, state_ref = excluded.state_ref, formatted_id = excluded.formatted_id,
			name = excluded.name, owner = excluded.owner, percent_done = excluded.percent_done,
			state_changed_at = excluded.state_changed_at, rank = excluded.rank, fields = excluded.fields`,
		workspaceID, item.Ref, item.TypeRef, item.StateRef, item.FormattedID, item.Name, item.Owner,
		item.PercentDoneByStoryCount, nullableMillis(item.StateChangedAt), item.Rank, fields)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func nullableMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
