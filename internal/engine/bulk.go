package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"layer-engine/internal/instrument"
	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

// Per-item bulk failure markers.
const (
	ErrNotExist = "ERROR_NOT_EXIST"
	ErrOnSave   = "ERROR_ON_SAVE"
)

const msgDuplicateKey = "This row is already updated in this request."

type bulkRequest struct {
	Add    []map[string]any `json:"ADD"`
	Update []map[string]any `json:"UPDATE"`
	Delete []any            `json:"DELETE"`
}

// bulkError ends a batch with a response: per-item errors keyed by
// operation and index.
type bulkError struct {
	status  int
	payload map[string]any
}

func (e *bulkError) Error() string {
	return "bulk request rejected"
}

func itemErrors(op string, errs map[string]any) *bulkError {
	return &bulkError{status: fiber.StatusBadRequest, payload: map[string]any{op: errs}}
}

// Bulk handles POST /api/layers/:name/bulk. A body whose hash was already
// executed successfully by the same caller is answered from the replay
// cache without running again.
func (h *Handler) Bulk(c *fiber.Ctx) error {
	layer, m, err := h.resolve(c, metadata.RightAdd, metadata.RightUpdate, metadata.RightDelete)
	if err != nil {
		return err
	}

	body := append([]byte(nil), c.Body()...)
	hash := BodyHash(body)
	claimed := strings.TrimSpace(c.Get(BulkHashHeader))
	if claimed != "" && !strings.EqualFold(claimed, hash) {
		return BadRequestError("INVALID_BULK_HASH", "INVALID "+BulkHashHeader)
	}

	ctx := c.UserContext()
	user := getUser(c)
	if claimed != "" && h.replay != nil {
		rec, err := h.replay.Lookup(ctx, hash, layer.Name, user.Name())
		if err != nil {
			return err
		}
		if rec != nil {
			log.Printf("INFO: bulk %s: replaying %s for %q", layer.Name, hash, user.Name())
			for k, v := range rec.ResponseHeaders {
				c.Set(k, v)
			}
			return c.Status(rec.StatusCode).Send([]byte(rec.ResponseBody))
		}
	}

	status, payload := h.runBulk(ctx, m, user, body)
	out, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if err := c.Status(status).Send(out); err != nil {
		return err
	}

	if h.replay != nil {
		rec := &ReplayRecord{
			Hash:            hash,
			Layer:           layer.Name,
			Username:        user.Name(),
			URL:             c.OriginalURL(),
			RequestHeaders:  captureHeaders(c.Request().Header.VisitAll, skippedRequestHeaders),
			RequestBody:     string(body),
			ResponseHeaders: captureHeaders(c.Response().Header.VisitAll, skippedResponseHeaders),
			ResponseBody:    string(out),
			StatusCode:      status,
		}
		if err := h.replay.Save(ctx, rec); err != nil {
			log.Printf("ERROR: bulk %s: %v", layer.Name, err)
		}
	}
	return nil
}

// runBulk executes one batch in a single transaction: ADD, then UPDATE,
// then DELETE. Each operation validates all of its items before applying
// any of them.
func (h *Handler) runBulk(ctx context.Context, m *mapper.Mapper, user *metadata.UserContext, body []byte) (int, any) {
	var req bulkRequest
	if err := decodeBody(body, &req); err != nil {
		return fiber.StatusBadRequest, ErrorResponse{Error: BadRequestError("INVALID_PAYLOAD", "Invalid JSON body")}
	}

	if h.opts.BulkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.BulkTimeout)
		defer cancel()
	}

	layer := m.Layer
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "handler", "data.bulk")
	defer span.End()
	span.SetEntity(layer.Name, "")

	created := make([]map[string]any, 0, len(req.Add))
	err := h.write(ctx, m, user, func(ws *writeScope) error {
		rows, err := h.bulkAdd(ws, m, req.Add)
		if err != nil {
			return err
		}
		created = rows
		if err := h.bulkUpdate(ws, m, req.Update); err != nil {
			return err
		}
		return h.bulkDelete(ws, m, req.Delete)
	})

	if err != nil {
		span.SetStatus("error")
	}
	switch {
	case err == nil:
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "bulk.committed", layer.Name, "", map[string]any{
			"add": len(req.Add), "update": len(req.Update), "delete": len(req.Delete),
		})
		return fiber.StatusOK, map[string]any{"ADD": created}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Printf("ERROR: bulk %s: timed out: %v", layer.Name, err)
		return fiber.StatusGatewayTimeout, ErrorResponse{Error: NewAppError("TIMEOUT", fiber.StatusGatewayTimeout, "Bulk request timed out")}
	}
	var be *bulkError
	if errors.As(err, &be) {
		return be.status, be.payload
	}
	log.Printf("ERROR: bulk %s: %v", layer.Name, err)
	return fiber.StatusInternalServerError, ErrorResponse{Error: NewAppError("INTERNAL_ERROR", fiber.StatusInternalServerError, "Internal server error")}
}

func (h *Handler) bulkAdd(ws *writeScope, m *mapper.Mapper, items []map[string]any) ([]map[string]any, error) {
	layer := m.Layer
	rows := make([]map[string]any, len(items))
	errs := map[string]any{}
	for i, item := range items {
		row, fe := m.Prepare(ws.item(), mapper.FlattenFeature(item, layer.PKField, layer.GeomField), mapper.OpCreate)
		if fe != nil {
			errs[strconv.Itoa(i)] = fe
			continue
		}
		rows[i] = row
	}
	if len(errs) > 0 {
		return nil, itemErrors("ADD", errs)
	}

	created := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		pk, err := m.Insert(ws.item(), ws.tx, row)
		if err != nil {
			return nil, saveFailed(layer, "ADD", i, err)
		}
		created = append(created, map[string]any{layer.PKField: pk})
	}
	return created, nil
}

func (h *Handler) bulkUpdate(ws *writeScope, m *mapper.Mapper, items []map[string]any) error {
	type pending struct {
		pk  any
		row map[string]any
		wc  *widget.WriteContext
	}
	layer := m.Layer
	updates := make([]pending, len(items))
	errs := map[string]any{}
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		flat := mapper.FlattenFeature(item, layer.PKField, layer.GeomField)
		pk, ok := bulkPK(m, flat[layer.PKField])
		if !ok {
			errs[strconv.Itoa(i)] = ErrNotExist
			continue
		}
		// Each row is updated at most once per request.
		key := fmt.Sprint(pk)
		if seen[key] {
			errs[strconv.Itoa(i)] = mapper.FieldErrors{layer.PKField: {msgDuplicateKey}}
			continue
		}
		seen[key] = true
		old, err := m.GetRaw(ws.Ctx, ws.tx, pk)
		if errors.Is(err, store.ErrNotFound) {
			errs[strconv.Itoa(i)] = ErrNotExist
			continue
		}
		if err != nil {
			return err
		}
		wc := ws.item()
		wc.Old = old
		row, fe := m.Prepare(wc, flat, mapper.OpUpdate)
		if fe != nil {
			errs[strconv.Itoa(i)] = fe
			continue
		}
		updates[i] = pending{pk: pk, row: row, wc: wc}
	}
	if len(errs) > 0 {
		return itemErrors("UPDATE", errs)
	}

	for i, u := range updates {
		if err := m.Update(u.wc, ws.tx, u.pk, u.row); err != nil {
			return saveFailed(layer, "UPDATE", i, err)
		}
	}
	return nil
}

func (h *Handler) bulkDelete(ws *writeScope, m *mapper.Mapper, pks []any) error {
	for i, raw := range pks {
		pk, ok := bulkPK(m, raw)
		if !ok {
			continue
		}
		if _, err := m.DeleteByPK(ws.item(), ws.tx, []any{pk}); err != nil {
			return saveFailed(m.Layer, "DELETE", i, err)
		}
	}
	return nil
}

func saveFailed(layer *metadata.Layer, op string, index int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("ERROR: bulk %s: %s[%d]: %v", layer.Name, op, index, err)
	return itemErrors(op, map[string]any{strconv.Itoa(index): ErrOnSave})
}

// decodeBody decodes a JSON request body keeping numbers as json.Number,
// so integer keys beyond 2^53 survive.
func decodeBody(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// bulkPK converts a decoded JSON key into the pk column's type.
func bulkPK(m *mapper.Mapper, v any) (any, bool) {
	var raw string
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		raw = t
	case float64:
		raw = strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		raw = t.String()
	case bool:
		raw = strconv.FormatBool(t)
	default:
		return nil, false
	}
	pk, err := m.Coerce(m.Layer.PKField, raw)
	if err != nil || pk == nil {
		return nil, false
	}
	return pk, true
}
