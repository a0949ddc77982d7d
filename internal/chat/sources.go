package chat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DataSource is a configured database connection a conversation can query.
// Only the read-only listing is supported; connections are managed on the
// server.
type DataSource struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Host         string     `json:"host,omitempty"`
	Port         int        `json:"port,omitempty"`
	DatabaseName string     `json:"database_name,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// DataSources lists the connections of the caller's organization, newest
// first. The endpoint returns a bare array.
func DataSources(ctx context.Context, api Caller) ([]DataSource, error) {
	var out []DataSource
	if err := api.Do(ctx, http.MethodGet, "/connections", nil, &out); err != nil {
		return nil, fmt.Errorf("chat: list data sources: %w", err)
	}
	return out, nil
}

// DataSources lists the data sources a submission can target.
func (p *Protocol) DataSources(ctx context.Context) ([]DataSource, error) {
	return DataSources(ctx, p.api)
}

// FindDataSource returns the source whose ID or name (case-insensitive)
// matches ref.
func FindDataSource(sources []DataSource, ref string) (DataSource, bool) {
	for _, ds := range sources {
		if ds.ID == ref {
			return ds, true
		}
	}
	for _, ds := range sources {
		if strings.EqualFold(ds.Name, ref) {
			return ds, true
		}
	}
	return DataSource{}, false
}
