package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/buildrunner/brsync/internal/config"
	"github.com/buildrunner/brsync/internal/store"
)

// openStore opens the configured local database.
func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return st, nil
}

// readMergedPayload loads and validates a JSON payload from disk.
func readMergedPayload(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merged payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("merged payload %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}
