// Package store persists session documents in SQLite. Each snapshot is an
// automerge document whose change history records every saved revision of
// the session, so a session can be inspected after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/lottie-sync/pkg/document"
)

var ErrNoSnapshot = errors.New("no snapshot")

const (
	documentKey = "document"
	nameKey     = "name"
	layersKey   = "layers"
)

type Store struct {
	database *sql.DB
	actor    string
	logger   *slog.Logger
}

// Open opens (or creates) the database at path. actor names the writer in the
// revision history.
func Open(path string, actor string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if actor == "" {
		actor = "lottie-sync"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	return &Store{database: db, actor: hex.EncodeToString([]byte(actor)), logger: logger}, nil
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		session_id text not null,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS sessions (
		id text not null primary key,
		snapshot_id text not null references snapshots(id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	s.logger.Info("Ensured initial tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSnapshot(ctx context.Context, q querier, session string) (*automerge.Doc, error) {
	var rawSave string
	if err := q.QueryRowContext(ctx,
		`SELECT snapshots.content FROM sessions JOIN snapshots ON sessions.snapshot_id = snapshots.id WHERE sessions.id = ?`,
		session,
	).Scan(&rawSave); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %q", ErrNoSnapshot, session)
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawSave)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return doc, nil
}

func readString(doc *automerge.Doc, key string) (string, error) {
	value, err := doc.Path(key).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	switch v := value.Interface().(type) {
	case string:
		return v, nil
	case *automerge.Text:
		return v.Get()
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%s holds %T, not a string", key, v)
	}
}

func readInt(doc *automerge.Doc, key string) int {
	value, err := doc.Path(key).Get()
	if err != nil {
		return 0
	}
	switch v := value.Interface().(type) {
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func decodeDocument(doc *automerge.Doc) (*document.Document, error) {
	raw, err := readString(doc, documentKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: snapshot holds no document", ErrNoSnapshot)
	}
	return document.Parse([]byte(raw))
}

// Load returns the latest saved document of a session.
func (s *Store) Load(ctx context.Context, session string) (*document.Document, error) {
	doc, err := loadSnapshot(ctx, s.database, session)
	if err != nil {
		return nil, err
	}
	return decodeDocument(doc)
}

// Save records doc as the session's latest revision. It reports false when
// doc is identical to what is already stored.
func (s *Store) Save(ctx context.Context, session string, doc *document.Document) (bool, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to encode document: %w", err)
	}

	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()

	history, err := loadSnapshot(ctx, tx, session)
	if errors.Is(err, ErrNoSnapshot) {
		history = automerge.New()
	} else if err != nil {
		return false, err
	} else if current, err := readString(history, documentKey); err == nil && current == string(encoded) {
		return false, nil
	}
	if err := history.SetActorID(s.actor); err != nil {
		return false, fmt.Errorf("failed to set actor: %w", err)
	}
	if err := history.Path(documentKey).Set(string(encoded)); err != nil {
		return false, fmt.Errorf("failed to set document: %w", err)
	}
	if err := history.Path(nameKey).Set(doc.Name); err != nil {
		return false, fmt.Errorf("failed to set name: %w", err)
	}
	if err := history.Path(layersKey).Set(int64(len(doc.Layers))); err != nil {
		return false, fmt.Errorf("failed to set layers: %w", err)
	}
	if _, err := history.Commit("save", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return false, fmt.Errorf("failed to commit revision: %w", err)
	}

	saved := history.Save()
	snapshotID := fmt.Sprintf("%d", time.Now().UnixNano())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, session_id, content) VALUES (?, ?, ?)`,
		snapshotID, session, base64.StdEncoding.EncodeToString(saved),
	); err != nil {
		return false, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(id, snapshot_id) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		session, snapshotID,
	); err != nil {
		return false, fmt.Errorf("failed to persist session: %w", err)
	}
	// the latest snapshot carries the whole history
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ? AND id != ?`,
		session, snapshotID,
	); err != nil {
		return false, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Info("backed up", "session", session, "size", humanize.Bytes(uint64(len(saved))), "heads", history.Heads())
	return true, nil
}

// Sessions lists every session with a saved snapshot.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Revision is one saved version of a session.
type Revision struct {
	Hash   string
	Actor  string
	Seq    uint64
	Deps   []string
	Name   string
	Layers int
}

// History returns the saved revisions of a session, oldest first.
func (s *Store) History(ctx context.Context, session string) ([]Revision, error) {
	doc, err := loadSnapshot(ctx, s.database, session)
	if err != nil {
		return nil, err
	}
	return revisions(doc)
}

// LoadRevision returns the document as it was saved at hash.
func (s *Store) LoadRevision(ctx context.Context, session string, hash string) (*document.Document, error) {
	doc, err := loadSnapshot(ctx, s.database, session)
	if err != nil {
		return nil, err
	}
	h, err := automerge.NewChangeHash(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid revision %q: %w", hash, err)
	}
	docAt, err := doc.Fork(h)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return decodeDocument(docAt)
}

func revisions(doc *automerge.Doc) ([]Revision, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		rev := Revision{
			Hash:   change.Hash().String(),
			Actor:  change.ActorID(),
			Seq:    change.ActorSeq(),
			Layers: readInt(docAt, layersKey),
		}
		rev.Name, _ = readString(docAt, nameKey)
		for _, dep := range change.Dependencies() {
			rev.Deps = append(rev.Deps, dep.String())
		}
		out = append(out, rev)
	}
	return out, nil
}

// LoadFile reads a Lottie JSON document from disk.
func LoadFile(path string) (*document.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}
