package analytics

import (
	"context"
	"net/http"
	"strings"

	"github.com/teslashibe/go-chipins/internal/httpc"
	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// RESTConfig configures a PostgREST (Supabase) endpoint.
type RESTConfig struct {
	// BaseURL is the project URL, e.g. https://xyz.supabase.co.
	BaseURL string

	// APIKey is sent as apikey and bearer token.
	APIKey string

	// Table receives one row per session.
	Table string

	KioskID string
}

// RESTRecorder inserts sessions into a PostgREST table.
type RESTRecorder struct {
	client  *http.Client
	url     string
	headers map[string]string
	kioskID string
}

// NewRESTRecorder creates a recorder. A nil client uses httpc.Client.
func NewRESTRecorder(cfg RESTConfig, client *http.Client) *RESTRecorder {
	if cfg.Table == "" {
		cfg.Table = "kiosk_sessions"
	}
	if client == nil {
		client = httpc.Client
	}
	return &RESTRecorder{
		client: client,
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/rest/v1/" + cfg.Table,
		headers: map[string]string{
			"apikey":        cfg.APIKey,
			"Authorization": "Bearer " + cfg.APIKey,
			"Prefer":        "return=minimal,resolution=merge-duplicates",
		},
		kioskID: cfg.KioskID,
	}
}

// Record posts s as one row.
func (r *RESTRecorder) Record(ctx context.Context, s proximity.Session) error {
	if err := httpc.PostJSON(ctx, r.client, r.url, NewRecord(r.kioskID, s), r.headers); err != nil {
		return persistErr("analytics.rest.record", err)
	}
	return nil
}

// Close is a no-op.
func (r *RESTRecorder) Close() error {
	return nil
}
