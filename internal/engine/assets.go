package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"layer-engine/internal/saga"
	"layer-engine/internal/storage"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

// AssetHandler manages temporary user uploads. Writes reference them as
// media://<path>; an upload is consumed when the write that used it commits.
type AssetHandler struct {
	store   *store.Store
	storage storage.FileStorage
	maxSize int64
}

func NewAssetHandler(s *store.Store, fs storage.FileStorage, maxSize int64) *AssetHandler {
	return &AssetHandler{store: s, storage: fs, maxSize: maxSize}
}

// Upload handles POST /api/assets (multipart field "file").
func (h *AssetHandler) Upload(c *fiber.Ctx) error {
	user := getUser(c)
	if user.IsAnonymous() {
		return UnauthorizedError("Authentication required")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Missing file in form data")
	}
	if file.Size > h.maxSize {
		msg := fmt.Sprintf("File too large: %d bytes (max %d)", file.Size, h.maxSize)
		return NewAppError("FILE_TOO_LARGE", 413, msg)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	fileID := uuid.New().String()
	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ctx := c.UserContext()
	path, err := h.storage.Save(ctx, user.Username, fileID, file.Filename, src)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO _user_assets (id, username, path, filename, mime_type, size)
	        VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(fileID), pb.Add(user.Username), pb.Add(path), pb.Add(file.Filename), pb.Add(mimeType), pb.Add(file.Size))
	if _, err := store.Exec(ctx, h.store.DB, sqlStr, pb.Params()...); err != nil {
		_ = h.storage.Delete(ctx, path)
		return fmt.Errorf("insert _user_assets: %w", err)
	}

	return c.Status(201).JSON(fiber.Map{
		"data": fiber.Map{
			"id":        fileID,
			"file":      widget.MediaScheme + path,
			"filename":  file.Filename,
			"size":      file.Size,
			"mime_type": mimeType,
		},
	})
}

// List handles GET /api/assets: the caller's pending uploads.
func (h *AssetHandler) List(c *fiber.Ctx) error {
	user := getUser(c)
	if user.IsAnonymous() {
		return UnauthorizedError("Authentication required")
	}
	pb := h.store.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(c.UserContext(), h.store.DB,
		fmt.Sprintf("SELECT id, path, filename, mime_type, size, created_at FROM _user_assets WHERE username = %s ORDER BY created_at DESC",
			pb.Add(user.Username)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("list _user_assets: %w", err)
	}
	for _, r := range rows {
		r["file"] = widget.MediaScheme + fmt.Sprint(r["path"])
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

// Delete handles DELETE /api/assets/:id.
func (h *AssetHandler) Delete(c *fiber.Ctx) error {
	user := getUser(c)
	if user.IsAnonymous() {
		return UnauthorizedError("Authentication required")
	}
	id := c.Params("id")
	ctx := c.UserContext()

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT path FROM _user_assets WHERE id = %s AND username = %s", pb.Add(id), pb.Add(user.Username)),
		pb.Params()...)
	if err != nil {
		return NewAppError("NOT_FOUND", 404, fmt.Sprintf("Asset %s not found", id))
	}
	if err := h.remove(ctx, h.store.DB, fmt.Sprint(row["path"])); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
}

func (h *AssetHandler) remove(ctx context.Context, q store.Querier, path string) error {
	pb := h.store.Dialect.NewParamBuilder()
	if _, err := store.Exec(ctx, q, fmt.Sprintf("DELETE FROM _user_assets WHERE path = %s", pb.Add(path)), pb.Params()...); err != nil {
		return fmt.Errorf("delete _user_assets row: %w", err)
	}
	if err := h.storage.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete stored file: %w", err)
	}
	return nil
}

// Session binds the asset store to one write. Lookups go through q so they
// see the write's transaction when the layer lives in the engine database;
// released uploads are removed when sg completes.
func (h *AssetHandler) Session(sg *saga.Saga, q store.Querier) widget.AssetStore {
	if q == nil {
		q = h.store.DB
	}
	return &assetSession{h: h, saga: sg, q: q}
}

type assetSession struct {
	h    *AssetHandler
	saga *saga.Saga
	q    store.Querier
}

func (s *assetSession) lookup(ctx context.Context, owner, path string) (map[string]any, error) {
	pb := s.h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, s.q,
		fmt.Sprintf("SELECT filename FROM _user_assets WHERE path = %s AND username = %s", pb.Add(path), pb.Add(owner)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	if !s.h.storage.Exists(ctx, path) {
		return nil, store.ErrNotFound
	}
	return row, nil
}

func (s *assetSession) Stat(ctx context.Context, owner, path string) error {
	_, err := s.lookup(ctx, owner, path)
	return err
}

func (s *assetSession) Open(ctx context.Context, owner, path string) (io.ReadCloser, string, error) {
	row, err := s.lookup(ctx, owner, path)
	if err != nil {
		return nil, "", err
	}
	r, err := s.h.storage.Open(ctx, path)
	if err != nil {
		return nil, "", err
	}
	return r, fmt.Sprint(row["filename"]), nil
}

func (s *assetSession) Release(path string) {
	s.saga.OnCommit("release upload "+path, func(ctx context.Context) error {
		return s.h.remove(ctx, s.h.store.DB, path)
	})
}
