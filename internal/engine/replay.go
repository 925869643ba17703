package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/google/uuid"

	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
)

// BulkHashHeader carries the client's md5 of the bulk request body.
const BulkHashHeader = "X-Bulk-Hash"

// ReplayRecord is one executed bulk request with its full response envelope.
type ReplayRecord struct {
	ID              string            `json:"id"`
	Hash            string            `json:"hash"`
	Layer           string            `json:"layer"`
	Username        string            `json:"username"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
	StatusCode      int               `json:"status_code"`
	CreatedAt       string            `json:"created_at,omitempty"`
}

// Replayable reports whether the record may be served again.
func (r *ReplayRecord) Replayable() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ReplayCache persists bulk outcomes in _bulk_transactions. Successful
// outcomes are also held in memory; the table stays authoritative.
type ReplayCache struct {
	store *store.Store
	cache *freecache.Cache
	ttl   int
}

// NewReplayCache builds a cache with sizeMB of memory. A zero size disables
// the in-memory front.
func NewReplayCache(s *store.Store, sizeMB, ttlSeconds int) *ReplayCache {
	rc := &ReplayCache{store: s, ttl: ttlSeconds}
	if sizeMB > 0 {
		rc.cache = freecache.NewCache(sizeMB * 1024 * 1024)
	}
	return rc
}

// BodyHash is the md5 hex digest used to key replays.
func BodyHash(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

func replayKey(hash, layer, username string) []byte {
	return []byte(hash + "\x00" + layer + "\x00" + username)
}

// Lookup returns the latest successful record for the key, or nil.
func (r *ReplayCache) Lookup(ctx context.Context, hash, layer, username string) (*ReplayRecord, error) {
	key := replayKey(hash, layer, username)
	if r.cache != nil {
		if b, err := r.cache.Get(key); err == nil {
			var rec ReplayRecord
			if err := json.Unmarshal(b, &rec); err == nil {
				return &rec, nil
			}
		}
	}

	pb := r.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf(
		`SELECT %s FROM _bulk_transactions
		 WHERE hash = %s AND layer = %s AND username = %s AND status_code >= 200 AND status_code < 300
		 ORDER BY created_at DESC LIMIT 1`,
		replayColumns, pb.Add(hash), pb.Add(layer), pb.Add(username))
	rows, err := store.QueryRows(ctx, r.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("replay lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := recordFromRow(rows[0])
	r.remember(rec)
	return rec, nil
}

// Save persists an attempt. Failed attempts are kept for audit only.
func (r *ReplayCache) Save(ctx context.Context, rec *ReplayRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	reqHeaders, _ := json.Marshal(rec.RequestHeaders)
	respHeaders, _ := json.Marshal(rec.ResponseHeaders)

	pb := r.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf(
		`INSERT INTO _bulk_transactions
		 (id, hash, layer, username, url, request_headers, request_body, response_headers, response_body, status_code)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(rec.ID), pb.Add(rec.Hash), pb.Add(rec.Layer), pb.Add(rec.Username), pb.Add(rec.URL),
		pb.Add(string(reqHeaders)), pb.Add(rec.RequestBody), pb.Add(string(respHeaders)),
		pb.Add(rec.ResponseBody), pb.Add(rec.StatusCode))
	if _, err := store.Exec(ctx, r.store.DB, query, pb.Params()...); err != nil {
		return fmt.Errorf("save replay record: %w", err)
	}
	if rec.Replayable() {
		r.remember(rec)
	}
	return nil
}

// List returns every record stored for hash, newest first.
func (r *ReplayCache) List(ctx context.Context, hash string) ([]*ReplayRecord, error) {
	pb := r.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("SELECT %s FROM _bulk_transactions WHERE hash = %s ORDER BY created_at DESC",
		replayColumns, pb.Add(hash))
	rows, err := store.QueryRows(ctx, r.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list replay records: %w", err)
	}
	out := make([]*ReplayRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, recordFromRow(row))
	}
	return out, nil
}

// Purge deletes records older than days and returns how many went. The
// in-memory front is cleared so purged outcomes stop replaying.
func (r *ReplayCache) Purge(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	pb := r.store.Dialect.NewParamBuilder()
	query := "DELETE FROM _bulk_transactions WHERE " +
		r.store.Dialect.IntervalDeleteExpr("created_at", pb, strconv.Itoa(days))
	n, err := store.Exec(ctx, r.store.DB, query, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("purge replay records: %w", err)
	}
	if n > 0 && r.cache != nil {
		r.cache.Clear()
	}
	return n, nil
}

func (r *ReplayCache) remember(rec *ReplayRecord) {
	if r.cache == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.cache.Set(replayKey(rec.Hash, rec.Layer, rec.Username), b, r.ttl); err != nil {
		log.Printf("WARN: replay cache set %s: %v", rec.Hash, err)
	}
}

const replayColumns = "id, hash, layer, username, url, request_headers, request_body, response_headers, response_body, status_code, created_at"

func recordFromRow(row map[string]any) *ReplayRecord {
	rec := &ReplayRecord{
		ID:           metadata.ToString(row["id"]),
		Hash:         metadata.ToString(row["hash"]),
		Layer:        metadata.ToString(row["layer"]),
		Username:     metadata.ToString(row["username"]),
		URL:          metadata.ToString(row["url"]),
		RequestBody:  metadata.ToString(row["request_body"]),
		ResponseBody: metadata.ToString(row["response_body"]),
		StatusCode:   metadata.ToInt(row["status_code"]),
	}
	switch v := row["created_at"].(type) {
	case time.Time:
		rec.CreatedAt = v.UTC().Format(time.RFC3339)
	case nil:
	default:
		rec.CreatedAt = metadata.ToString(v)
	}
	_ = json.Unmarshal([]byte(metadata.ToString(row["request_headers"])), &rec.RequestHeaders)
	_ = json.Unmarshal([]byte(metadata.ToString(row["response_headers"])), &rec.ResponseHeaders)
	return rec
}

// Response headers recomputed on every reply, and request credentials,
// are not recorded.
var (
	skippedResponseHeaders = map[string]bool{"date": true, "server": true, "content-length": true, "x-request-id": true}
	skippedRequestHeaders  = map[string]bool{"authorization": true, "cookie": true}
)

func captureHeaders(visit func(func(k, v []byte)), skip map[string]bool) map[string]string {
	out := map[string]string{}
	visit(func(k, v []byte) {
		name := string(k)
		if skip[strings.ToLower(name)] {
			return
		}
		out[name] = string(v)
	})
	return out
}
