package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/shadowsync/internal/changes"
	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/node"
)

const (
	defaultTablePrefix  = "shadowsync"
	defaultAdapterKey   = "default"
	sqlOperationTimeout = 10 * time.Second

	propLastNodeID         = "last_node_id"
	propLastContentVersion = "last_content_version"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	driver string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	pragmas  []string
}

var (
	postgresDialect = dialect{driver: "postgres", numbered: true}
	sqliteDialect   = dialect{driver: "sqlite", pragmas: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}}
)

// SQLBackend stores adapter state in relational tables keyed by adapter
// name, so one database can hold several adapters.
type SQLBackend struct {
	dsn     string
	key     string
	prefix  string
	dialect dialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn, key string) (*SQLBackend, error) {
	return newSQLBackend(postgresDialect, dsn, key)
}

// NewSQLiteBackend opens a SQLite database file. ":memory:" keeps the
// database in process.
func NewSQLiteBackend(path, key string) (*SQLBackend, error) {
	return newSQLBackend(sqliteDialect, path, key)
}

func newSQLBackend(d dialect, dsn, key string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultAdapterKey
	}
	return &SQLBackend{
		dsn:     dsn,
		key:     key,
		prefix:  defaultTablePrefix,
		dialect: d,
		openDB:  sql.Open,
	}, nil
}

func (b *SQLBackend) Load(ctx context.Context) (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	snapshot := NewSnapshot()
	found := false

	rows, err := b.db.QueryContext(ctx, b.bind(fmt.Sprintf(`
		SELECT id, parent_id, name, node_type, alt_scope, alt_external, status,
			content_version, last_write_time, size, revision_id
		FROM %s WHERE adapter_key = ?`, b.table("nodes"))), b.key)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			m                           node.Model
			id, parent, status, version int64
			nodeType                    int
			lwt, size                   int64
		)
		if err := rows.Scan(&id, &parent, &m.Name, &nodeType, &m.AltID.Scope, &m.AltID.External, &status, &version, &lwt, &size, &m.RevisionID); err != nil {
			rows.Close()
			return nil, err
		}
		m.ID = node.ID(id)
		m.ParentID = node.ID(parent)
		m.Type = node.Type(nodeType)
		m.Status = node.Status(status)
		m.ContentVersion = uint64(version)
		m.LastWriteTime = fromUnixNano(lwt)
		m.Size = size
		snapshot.Nodes[m.ID] = m
		found = true
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	// The dirty table is the persisted shadow; its flags win over the
	// status column.
	for _, m := range snapshot.Nodes {
		m.Status &^= node.DirtyMask
		snapshot.Nodes[m.ID] = m
	}
	rows, err = b.db.QueryContext(ctx, b.bind(fmt.Sprintf(`
		SELECT id, flags FROM %s WHERE adapter_key = ?`, b.table("dirty"))), b.key)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, flags int64
		if err := rows.Scan(&id, &flags); err != nil {
			rows.Close()
			return nil, err
		}
		if m, ok := snapshot.Nodes[node.ID(id)]; ok {
			m.Status |= node.Status(flags) & node.DirtyMask
			snapshot.Nodes[m.ID] = m
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, b.bind(fmt.Sprintf(`
		SELECT log_name, entry_id, op, model FROM %s
		WHERE adapter_key = ? ORDER BY log_name, entry_id`, b.table("changes"))), b.key)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			logName string
			id      int64
			op      int
			payload string
		)
		if err := rows.Scan(&logName, &id, &op, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		entry := changes.Entry{ID: uint64(id), Type: node.OperationType(op)}
		if err := json.Unmarshal([]byte(payload), &entry.Model); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode change %s/%d: %w", logName, id, err)
		}
		st := snapshot.Log(logName)
		st.Entries = append(st.Entries, entry)
		if entry.ID > st.LastID {
			st.LastID = entry.ID
		}
		found = true
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, b.bind(fmt.Sprintf(`
		SELECT name, value FROM %s WHERE adapter_key = ?`, b.table("properties"))), b.key)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return nil, err
		}
		if err := snapshot.setProperty(name, value); err != nil {
			rows.Close()
			return nil, err
		}
		found = true
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = b.db.QueryContext(ctx, b.bind(fmt.Sprintf(`
		SELECT copy_id, source_id, source_scope, source_external, source_version, source_path
		FROM %s WHERE adapter_key = ?`, b.table("copy_links"))), b.key)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			link                      detect.CopyLink
			copyID, sourceID, version int64
			sourcePath                string
		)
		if err := rows.Scan(&copyID, &sourceID, &link.SourceAltID.Scope, &link.SourceAltID.External, &version, &sourcePath); err != nil {
			rows.Close()
			return nil, err
		}
		link.CopyID = node.ID(copyID)
		link.SourceID = node.ID(sourceID)
		link.SourceContentVersion = uint64(version)
		if sourcePath != "" {
			link.SourcePath = strings.Split(sourcePath, "/")
		}
		snapshot.CopyLinks[link.CopyID] = link
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return snapshot, nil
}

func (b *SQLBackend) Commit(ctx context.Context, cs *ChangeSet) (err error) {
	if cs.Empty() {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if len(cs.Upserts) > 0 {
		stmt, err := tx.PrepareContext(ctx, b.bind(fmt.Sprintf(`
			INSERT INTO %s (adapter_key, id, parent_id, name, node_type, alt_scope, alt_external,
				status, content_version, last_write_time, size, revision_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (adapter_key, id) DO UPDATE SET
				parent_id = excluded.parent_id,
				name = excluded.name,
				node_type = excluded.node_type,
				alt_scope = excluded.alt_scope,
				alt_external = excluded.alt_external,
				status = excluded.status,
				content_version = excluded.content_version,
				last_write_time = excluded.last_write_time,
				size = excluded.size,
				revision_id = excluded.revision_id`, b.table("nodes"))))
		if err != nil {
			return err
		}
		for _, m := range cs.Upserts {
			if err := b.releaseAlt(ctx, tx, m); err != nil {
				_ = stmt.Close()
				return err
			}
			if _, err := stmt.ExecContext(ctx, b.key, int64(m.ID), int64(m.ParentID), m.Name, int(m.Type),
				m.AltID.Scope, m.AltID.External, int64(m.Status), int64(m.ContentVersion),
				toUnixNano(m.LastWriteTime), m.Size, m.RevisionID); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("upsert node %d: %w", m.ID, err)
			}
			if err := b.putDirty(ctx, tx, m.ID, m.Status&node.DirtyMask); err != nil {
				_ = stmt.Close()
				return err
			}
		}
		if err := stmt.Close(); err != nil {
			return err
		}
	}
	for _, id := range cs.Deletes {
		if _, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(
			"DELETE FROM %s WHERE adapter_key = ? AND id = ?", b.table("nodes"))), b.key, int64(id)); err != nil {
			return fmt.Errorf("delete node %d: %w", id, err)
		}
		if err := b.putDirty(ctx, tx, id, 0); err != nil {
			return err
		}
	}
	for _, appended := range cs.Appended {
		payload, err := json.Marshal(appended.Entry.Model)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(`
			INSERT INTO %s (adapter_key, log_name, entry_id, op, model) VALUES (?, ?, ?, ?, ?)`, b.table("changes"))),
			b.key, appended.Log, int64(appended.Entry.ID), int(appended.Entry.Type), string(payload)); err != nil {
			return fmt.Errorf("append %s/%d: %w", appended.Log, appended.Entry.ID, err)
		}
	}
	for name, cursor := range cs.Cursors {
		if cursor.LastID > 0 {
			if err := b.putProperty(ctx, tx, logProperty(name, "last_id"), cursor.LastID); err != nil {
				return err
			}
		}
		if cursor.Acked > 0 {
			if err := b.putProperty(ctx, tx, logProperty(name, "acked"), cursor.Acked); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(
				"DELETE FROM %s WHERE adapter_key = ? AND log_name = ? AND entry_id <= ?", b.table("changes"))),
				b.key, name, int64(cursor.Acked)); err != nil {
				return err
			}
		}
	}
	for _, link := range cs.Links {
		if _, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(`
			INSERT INTO %s (adapter_key, copy_id, source_id, source_scope, source_external, source_version, source_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (adapter_key, copy_id) DO UPDATE SET
				source_id = excluded.source_id,
				source_scope = excluded.source_scope,
				source_external = excluded.source_external,
				source_version = excluded.source_version,
				source_path = excluded.source_path`, b.table("copy_links"))),
			b.key, int64(link.CopyID), int64(link.SourceID), link.SourceAltID.Scope, link.SourceAltID.External,
			int64(link.SourceContentVersion), strings.Join(link.SourcePath, "/")); err != nil {
			return fmt.Errorf("record copy link %d: %w", link.CopyID, err)
		}
	}
	for _, id := range cs.Unlinked {
		if _, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(
			"DELETE FROM %s WHERE adapter_key = ? AND copy_id = ?", b.table("copy_links"))), b.key, int64(id)); err != nil {
			return err
		}
	}
	if cs.LastNodeID > 0 {
		if err := b.putProperty(ctx, tx, propLastNodeID, uint64(cs.LastNodeID)); err != nil {
			return err
		}
	}
	if cs.LastContentVersion > 0 {
		if err := b.putProperty(ctx, tx, propLastContentVersion, cs.LastContentVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) putProperty(ctx context.Context, tx *sql.Tx, name string, value uint64) error {
	_, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(`
		INSERT INTO %s (adapter_key, name, value) VALUES (?, ?, ?)
		ON CONFLICT (adapter_key, name) DO UPDATE SET value = excluded.value`, b.table("properties"))),
		b.key, name, strconv.FormatUint(value, 10))
	if err != nil {
		return fmt.Errorf("write property %s: %w", name, err)
	}
	return nil
}

// releaseAlt clears the alt id of m from any other node, so the unique alt
// index holds while identities move between nodes inside one transaction.
func (b *SQLBackend) releaseAlt(ctx context.Context, tx *sql.Tx, m node.Model) error {
	if m.AltID.External == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, b.bind(fmt.Sprintf(`
		UPDATE %s SET alt_scope = '', alt_external = ''
		WHERE adapter_key = ? AND alt_scope = ? AND alt_external = ? AND id <> ?`, b.table("nodes"))),
		b.key, m.AltID.Scope, m.AltID.External, int64(m.ID))
	if err != nil {
		return fmt.Errorf("release alt id %s: %w", m.AltID, err)
	}
	return nil
}

// putDirty keeps the dirty table in step with the dirty flags of id. Zero
// flags remove the row.
func (b *SQLBackend) putDirty(ctx context.Context, tx *sql.Tx, id node.ID, flags node.Status) error {
	var err error
	if flags == 0 {
		_, err = tx.ExecContext(ctx, b.bind(fmt.Sprintf(
			"DELETE FROM %s WHERE adapter_key = ? AND id = ?", b.table("dirty"))), b.key, int64(id))
	} else {
		_, err = tx.ExecContext(ctx, b.bind(fmt.Sprintf(`
			INSERT INTO %s (adapter_key, id, flags) VALUES (?, ?, ?)
			ON CONFLICT (adapter_key, id) DO UPDATE SET flags = excluded.flags`, b.table("dirty"))),
			b.key, int64(id), int64(flags))
	}
	if err != nil {
		return fmt.Errorf("write dirty flags of %d: %w", id, err)
	}
	return nil
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := append([]string{}, b.dialect.pragmas...)
		statements = append(statements,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				adapter_key TEXT NOT NULL,
				id BIGINT NOT NULL,
				parent_id BIGINT NOT NULL,
				name TEXT NOT NULL,
				node_type INTEGER NOT NULL,
				alt_scope TEXT NOT NULL,
				alt_external TEXT NOT NULL,
				status BIGINT NOT NULL,
				content_version BIGINT NOT NULL,
				last_write_time BIGINT NOT NULL,
				size BIGINT NOT NULL,
				revision_id TEXT NOT NULL,
				PRIMARY KEY (adapter_key, id)
			)`, b.table("nodes")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				adapter_key TEXT NOT NULL,
				log_name TEXT NOT NULL,
				entry_id BIGINT NOT NULL,
				op INTEGER NOT NULL,
				model TEXT NOT NULL,
				PRIMARY KEY (adapter_key, log_name, entry_id)
			)`, b.table("changes")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				adapter_key TEXT NOT NULL,
				name TEXT NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (adapter_key, name)
			)`, b.table("properties")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				adapter_key TEXT NOT NULL,
				copy_id BIGINT NOT NULL,
				source_id BIGINT NOT NULL,
				source_scope TEXT NOT NULL,
				source_external TEXT NOT NULL,
				source_version BIGINT NOT NULL,
				source_path TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (adapter_key, copy_id)
			)`, b.table("copy_links")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				adapter_key TEXT NOT NULL,
				id BIGINT NOT NULL,
				flags BIGINT NOT NULL,
				PRIMARY KEY (adapter_key, id)
			)`, b.table("dirty")),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (adapter_key, alt_scope, alt_external)
				WHERE alt_external <> ''`, b.index("nodes_alt"), b.table("nodes")),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (adapter_key, parent_id)`,
				b.index("nodes_parent"), b.table("nodes")),
		)
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) table(name string) string {
	return quoteIdentifier(b.prefix + "_" + name)
}

func (b *SQLBackend) index(name string) string {
	return quoteIdentifier(b.prefix + "_" + name + "_idx")
}

// bind rewrites ? placeholders for dialects that number them.
func (b *SQLBackend) bind(query string) string {
	if !b.dialect.numbered {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteString("$" + strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (s *Snapshot) setProperty(name, value string) error {
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("property %s: %w", name, err)
	}
	switch {
	case name == propLastNodeID:
		s.LastNodeID = node.ID(v)
	case name == propLastContentVersion:
		s.LastContentVersion = v
	case strings.HasPrefix(name, "log:"):
		parts := strings.Split(name, ":")
		if len(parts) != 3 {
			return nil
		}
		st := s.Log(parts[1])
		switch parts[2] {
		case "last_id":
			if v > st.LastID {
				st.LastID = v
			}
		case "acked":
			st.Acked = v
		}
	}
	return nil
}

func logProperty(log, field string) string {
	return "log:" + log + ":" + field
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
