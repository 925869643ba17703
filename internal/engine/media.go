package engine

import (
	"errors"
	"io/fs"
	"log"
	"mime"
	"path/filepath"

	"github.com/gofiber/fiber/v2"

	"layer-engine/internal/widget"
)

// MediaTokens decodes the signed tokens embedded in image URLs.
type MediaTokens interface {
	ParseMediaToken(token string) (layer, field, kind, name string, err error)
}

// Media handles GET /api/media/:token. The token is the authorization:
// it names one stored file of one image field and expires.
func (h *Handler) Media(tokens MediaTokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		layerName, field, kind, name, err := tokens.ParseMediaToken(c.Params("token"))
		if err != nil {
			return UnauthorizedError("Invalid or expired media token")
		}
		layer := h.registry.GetLayer(layerName)
		if layer == nil {
			return UnknownLayerError(layerName)
		}
		m, err := h.mappers.Get(c.UserContext(), layer)
		if err != nil {
			return err
		}
		img, ok := m.Widget(field).(*widget.Image)
		if !ok {
			return NewAppError("NOT_FOUND", fiber.StatusNotFound, "Media not found")
		}

		r, err := img.Open(c.UserContext(), kind, name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return NewAppError("NOT_FOUND", fiber.StatusNotFound, "Media not found")
			}
			log.Printf("ERROR: media %s.%s %s: %v", layer.Name, field, name, err)
			return err
		}

		ct := mime.TypeByExtension(filepath.Ext(name))
		if ct == "" {
			ct = "application/octet-stream"
		}
		c.Set(fiber.HeaderContentType, ct)
		c.Set(fiber.HeaderCacheControl, "private, max-age=300")
		// the response body stream is closed once written
		return c.SendStream(r)
	}
}

