package widget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"layer-engine/internal/storage"
)

// MediaScheme prefixes references to temporary user uploads.
const MediaScheme = "media://"

const (
	KindImage     = "image"
	KindThumbnail = "thumbnail"
)

var ErrInvalidImage = errors.New("invalid image reference")

type imageOptions struct {
	UploadRoot       string `json:"upload_root" validate:"required"`
	BaseURL          string `json:"base_url,omitempty" validate:"omitempty,url"`
	ThumbnailRoot    string `json:"thumbnail_root,omitempty"`
	ThumbnailBaseURL string `json:"thumbnail_base_url,omitempty" validate:"omitempty,url"`
}

// Image stores an uploaded picture and a thumbnail next to it. Writes take
// media:// references to uploads; reads return {src, thumbnail} URLs.
type Image struct {
	base
	opts   imageOptions
	files  *storage.LocalStorage
	thumbs *storage.LocalStorage
}

func newImage(b base) (Widget, error) {
	w := &Image{base: b}
	if err := decodeOptions(b.field, &w.opts); err != nil {
		return nil, err
	}
	w.files = storage.NewLocalStorage(w.resolveRoot(w.opts.UploadRoot))
	w.thumbs = w.files
	if w.opts.ThumbnailRoot != "" {
		w.thumbs = storage.NewLocalStorage(w.resolveRoot(w.opts.ThumbnailRoot))
	}
	return w, nil
}

func (w *Image) resolveRoot(root string) string {
	if filepath.IsAbs(root) || w.deps.StorageRoot == "" {
		return root
	}
	return filepath.Join(w.deps.StorageRoot, root)
}

func (w *Image) Validate(context.Context) error {
	if err := w.files.CheckWritable(); err != nil {
		return configErr(w.field, "'upload_root' is not usable: %v", err)
	}
	if err := w.thumbs.CheckWritable(); err != nil {
		return configErr(w.field, "'thumbnail_root' is not usable: %v", err)
	}
	return nil
}

// CheckValue accepts null, the currently stored name, or a media://
// reference to an upload the actor owns.
func (w *Image) CheckValue(wc *WriteContext, v any) error {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return ErrInvalidImage
	}
	if wc.Old != nil && s == toString(wc.Old[w.field.Name]) {
		return nil
	}
	if !strings.HasPrefix(s, MediaScheme) {
		return ErrInvalidImage
	}
	if wc.Assets == nil {
		return ErrInvalidImage
	}
	if err := wc.Assets.Stat(wc.Ctx, wc.User.Name(), strings.TrimPrefix(s, MediaScheme)); err != nil {
		return fmt.Errorf("file %s not found", s)
	}
	return nil
}

func (w *Image) OnCreate(wc *WriteContext, row map[string]any) error {
	v, ok := row[w.field.Name]
	if !ok || v == nil {
		return nil
	}
	name, err := w.importAsset(wc, toString(v))
	if err != nil {
		return err
	}
	row[w.field.Name] = name
	return nil
}

func (w *Image) OnUpdate(wc *WriteContext, row map[string]any) error {
	v, ok := row[w.field.Name]
	if !ok {
		return nil
	}
	old := toString(wc.Old[w.field.Name])
	s := toString(v)
	if v != nil && s == old {
		return nil
	}

	if v != nil {
		name, err := w.importAsset(wc, s)
		if err != nil {
			return err
		}
		row[w.field.Name] = name
	}
	if old != "" {
		wc.Saga.OnCommit("remove superseded image "+old, func(ctx context.Context) error {
			return w.remove(ctx, old)
		})
	}
	return nil
}

func (w *Image) OnDelete(wc *WriteContext, row map[string]any) error {
	old := toString(row[w.field.Name])
	if old == "" {
		return nil
	}
	wc.Saga.OnCommit("remove image "+old, func(ctx context.Context) error {
		return w.remove(ctx, old)
	})
	return nil
}

func (w *Image) importAsset(wc *WriteContext, ref string) (string, error) {
	if !strings.HasPrefix(ref, MediaScheme) || wc.Assets == nil {
		return "", ErrInvalidImage
	}
	path := strings.TrimPrefix(ref, MediaScheme)
	r, filename, err := wc.Assets.Open(wc.Ctx, wc.User.Name(), path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", ref, err)
	}
	defer r.Close()

	name, err := w.files.Save(wc.Ctx, "", uuid.NewString(), filename, r)
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	wc.Saga.OnRollback("remove imported image "+name, func(ctx context.Context) error {
		return w.remove(ctx, name)
	})

	if _, err := w.deps.Thumbnailer.Render(wc.Ctx, w.files, w.thumbs, name); err != nil {
		log.Printf("WARN: thumbnail for %s: %v", name, err)
	}
	wc.Assets.Release(path)
	return name, nil
}

func (w *Image) remove(ctx context.Context, name string) error {
	if err := w.files.Delete(ctx, name); err != nil {
		return err
	}
	return w.thumbs.Delete(ctx, w.deps.Thumbnailer.Name(name))
}

// Open streams a stored image or its thumbnail.
func (w *Image) Open(ctx context.Context, kind, name string) (io.ReadCloser, error) {
	if kind == KindThumbnail {
		return w.thumbs.Open(ctx, name)
	}
	return w.files.Open(ctx, name)
}

func (w *Image) SerializeValue(v any) any {
	name := toString(v)
	if name == "" {
		return nil
	}
	out := map[string]any{
		"src":       w.url(KindImage, w.opts.BaseURL, name),
		"thumbnail": nil,
	}
	thumb := w.deps.Thumbnailer.Name(name)
	if w.thumbs.Exists(context.Background(), thumb) {
		out["thumbnail"] = w.url(KindThumbnail, w.opts.ThumbnailBaseURL, thumb)
	}
	return out
}

func (w *Image) url(kind, baseURL, name string) string {
	if baseURL != "" {
		return strings.TrimSuffix(baseURL, "/") + "/" + name
	}
	if w.deps.Signer == nil {
		return ""
	}
	layer := ""
	if w.layer != nil {
		layer = w.layer.Name
	}
	return w.deps.Signer.MediaURL(layer, w.field.Name, kind, name)
}

func (w *Image) SerializeConfig(context.Context) map[string]any {
	return optionsConfig(rawOptions(w.field))
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
