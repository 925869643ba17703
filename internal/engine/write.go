package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/saga"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

// writeScope is one transactional write: the widget context plus the
// transaction every statement of the write runs in.
type writeScope struct {
	*widget.WriteContext
	tx *sql.Tx
}

// item returns a widget context for one row of the write, sharing the saga.
func (s *writeScope) item() *widget.WriteContext {
	wc := *s.WriteContext
	wc.Old = nil
	return &wc
}

// write runs fn in one database transaction. When fn or the commit fails
// the transaction is rolled back and the saga's compensations run; after
// a commit the deferred file actions run.
func (h *Handler) write(ctx context.Context, m *mapper.Mapper, user *metadata.UserContext, fn func(ws *writeScope) error) error {
	tx, err := m.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	sg := saga.New()

	// Upload lookups must use the transaction when the layer shares the
	// engine database; SQLite has a single connection.
	var assetQ store.Querier
	if m.Store == h.conns.Base() {
		assetQ = tx
	}
	var assets widget.AssetStore
	if h.assets != nil {
		assets = h.assets.Session(sg, assetQ)
	}

	ws := &writeScope{
		WriteContext: &widget.WriteContext{Ctx: ctx, User: user, Saga: sg, Assets: assets, Now: time.Now()},
		tx:           tx,
	}
	if err := fn(ws); err != nil {
		_ = tx.Rollback()
		sg.Compensate(ctx)
		return err
	}
	if err := tx.Commit(); err != nil {
		sg.Compensate(ctx)
		return fmt.Errorf("commit: %w", err)
	}
	sg.Complete(ctx)
	return nil
}

func uniqueViolationMessage(err error) string {
	msg := "A record with this value already exists"
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		msg = pgErr.Detail
	}
	return msg
}
