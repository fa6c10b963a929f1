package state

import (
	"context"
	"encoding/json"
	"strings"
)

// LoadJSON decodes the document stored under key into v. A missing or blank entry
// reports ok=false without error.
func LoadJSON(ctx context.Context, store Store, key string, v any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, err
	}
	return true, nil
}

func SaveJSON(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
