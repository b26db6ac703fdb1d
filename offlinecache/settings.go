// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package offlinecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const settingsKey = "offline_maps"

// Settings is the app-wide key/value store the cache definitions persist
// into, backed by the application's SQLite database.
type Settings struct {
	db *sql.DB
}

// NewSettings prepares the settings table on the given database.
func NewSettings(db *sql.DB) (*Settings, error) {
	if db == nil {
		return nil, fmt.Errorf("database must be provided")
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS app_settings (
		key   TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}
	return &Settings{db: db}, nil
}

// Get returns the raw value stored under key.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores a raw value under key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO app_settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// LoadDefinitions reads the persisted cache definitions, in their persisted
// order.
func (s *Settings) LoadDefinitions(ctx context.Context) ([]*Definition, error) {
	value, ok, err := s.Get(ctx, settingsKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var entries []definitionJSON
	if err := json.Unmarshal([]byte(value), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse cache definitions: %w", err)
	}
	defs := make([]*Definition, len(entries))
	for i, entry := range entries {
		defs[i] = entry.toDefinition()
	}
	return defs, nil
}

// SaveDefinitions persists the cache definitions, preserving order.
func (s *Settings) SaveDefinitions(ctx context.Context, defs []*Definition) error {
	entries := make([]definitionJSON, len(defs))
	for i, d := range defs {
		entries[i] = d.toJSON()
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal cache definitions: %w", err)
	}
	return s.Set(ctx, settingsKey, string(data))
}
