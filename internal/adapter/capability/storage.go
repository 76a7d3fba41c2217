package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"toolhost/internal/domain"
	"toolhost/internal/security"
	"toolhost/internal/usecase/exthost"
)

// Storage limits.
const (
	MaxKeyBytes   = 512
	MaxValueBytes = 1 << 20
)

const cipherCheck = "toolhost-storage"

// Store is a per-plugin key/value store in SQLite. Values are JSON
// documents; with a passphrase they are sealed with a ValueCipher whose salt
// lives in the meta table.
type Store struct {
	db     *sql.DB
	cipher *security.ValueCipher
}

// OpenStore opens (or creates) the store at path. An empty passphrase keeps
// values in plaintext.
func OpenStore(ctx context.Context, path, passphrase string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrateStore(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate storage db: %w", err)
	}
	s := &Store{db: db}
	if passphrase != "" {
		if s.cipher, err = loadCipher(ctx, db, passphrase); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func migrateStore(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			plugin_id  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (plugin_id, key)
		);
		CREATE TABLE IF NOT EXISTS meta (
			name  TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`)
	return err
}

// loadCipher reuses the persisted salt, or creates one on first use. A
// sealed check value detects a wrong passphrase up front.
func loadCipher(ctx context.Context, db *sql.DB, passphrase string) (*security.ValueCipher, error) {
	var salt []byte
	err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = 'cipher_salt'").Scan(&salt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read cipher salt: %w", err)
	}
	c, err := security.NewValueCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		check, err := c.Seal([]byte(cipherCheck))
		if err != nil {
			return nil, err
		}
		_, err = db.ExecContext(ctx,
			"INSERT INTO meta (name, value) VALUES ('cipher_salt', ?), ('cipher_check', ?)", c.Salt(), []byte(check))
		if err != nil {
			return nil, fmt.Errorf("store cipher salt: %w", err)
		}
		return c, nil
	}
	var check []byte
	if err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE name = 'cipher_check'").Scan(&check); err != nil {
		return nil, fmt.Errorf("read cipher check: %w", err)
	}
	if plain, err := c.Open(string(check)); err != nil || string(plain) != cipherCheck {
		c.Zeroize()
		return nil, domain.NewDomainError("storage.open", domain.ErrAccessDenied, "storage passphrase does not match")
	}
	return c, nil
}

// Close releases the database and wipes the key.
func (s *Store) Close() error {
	if s.cipher != nil {
		s.cipher.Zeroize()
	}
	return s.db.Close()
}

// Encrypted reports whether values are sealed at rest.
func (s *Store) Encrypted() bool { return s.cipher != nil }

func checkKey(op, key string) error {
	if key == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "key is required")
	}
	if len(key) > MaxKeyBytes {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("key exceeds %d bytes", MaxKeyBytes))
	}
	return nil
}

// Get returns the value stored under key, or found=false.
func (s *Store) Get(ctx context.Context, pluginID, key string) (value json.RawMessage, found bool, err error) {
	if err := checkKey("storage.get", key); err != nil {
		return nil, false, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE plugin_id = ? AND key = ?", pluginID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	v, err := s.decode(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, pluginID, key string, value json.RawMessage) error {
	if err := checkKey("storage.set", key); err != nil {
		return err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if len(value) > MaxValueBytes {
		return domain.NewDomainError("storage.set", domain.ErrLimitReached, fmt.Sprintf("value exceeds %d bytes", MaxValueBytes))
	}
	if !json.Valid(value) {
		return domain.NewDomainError("storage.set", domain.ErrInvalidInput, "value is not valid JSON")
	}
	raw, err := s.encode(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (plugin_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (plugin_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		pluginID, key, raw, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, pluginID, key string) (bool, error) {
	if err := checkKey("storage.delete", key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE plugin_id = ? AND key = ?", pluginID, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Keys lists the plugin's keys with the given prefix in order.
func (s *Store) Keys(ctx context.Context, pluginID, prefix string) ([]string, error) {
	query, args := "SELECT key FROM kv WHERE plugin_id = ? ORDER BY key", []any{pluginID}
	if prefix != "" {
		query, args = "SELECT key FROM kv WHERE plugin_id = ? AND instr(key, ?) = 1 ORDER BY key", []any{pluginID, prefix}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every key of a plugin; used on uninstall.
func (s *Store) Clear(ctx context.Context, pluginID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE plugin_id = ?", pluginID)
	return err
}

func (s *Store) encode(v json.RawMessage) (string, error) {
	if s.cipher == nil {
		return string(v), nil
	}
	return s.cipher.Seal(v)
}

func (s *Store) decode(raw string) (json.RawMessage, error) {
	if !security.IsSealed(raw) {
		return json.RawMessage(raw), nil
	}
	if s.cipher == nil {
		return nil, domain.NewDomainError("storage.get", domain.ErrAccessDenied, "value is encrypted and no passphrase is configured")
	}
	plain, err := s.cipher.Open(raw)
	if err != nil {
		return nil, domain.NewDomainError("storage.get", domain.ErrIOFailure, err.Error())
	}
	return json.RawMessage(plain), nil
}

// Storage is the storage.* capability over a Store.
type Storage struct {
	store *Store
}

// NewStorage creates the storage module.
func NewStorage(store *Store) *Storage { return &Storage{store: store} }

func (s *Storage) Name() string { return "storage" }

type keyParams struct {
	Key string `json:"key"`
}

type setParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type listParams struct {
	Prefix string `json:"prefix,omitempty"`
}

func (s *Storage) Methods() map[string]exthost.Handler {
	return map[string]exthost.Handler{
		"get": method(func(ctx context.Context, call *exthost.Call, p keyParams) (any, error) {
			v, found, err := s.store.Get(ctx, call.PluginID(), p.Key)
			if err != nil {
				return nil, err
			}
			if !found {
				v = json.RawMessage("null")
			}
			return map[string]any{"key": p.Key, "value": v, "found": found}, nil
		}),
		"set": method(func(ctx context.Context, call *exthost.Call, p setParams) (any, error) {
			return okResult{true}, s.store.Set(ctx, call.PluginID(), p.Key, p.Value)
		}),
		"delete": method(func(ctx context.Context, call *exthost.Call, p keyParams) (any, error) {
			existed, err := s.store.Delete(ctx, call.PluginID(), p.Key)
			return map[string]any{"deleted": existed}, err
		}),
		"list": method(func(ctx context.Context, call *exthost.Call, p listParams) (any, error) {
			keys, err := s.store.Keys(ctx, call.PluginID(), strings.TrimSpace(p.Prefix))
			return map[string]any{"keys": keys}, err
		}),
	}
}
