package engine

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the layer API under /api.
func RegisterRoutes(app *fiber.App, h *Handler, tokens MediaTokens) {
	api := app.Group("/api")

	api.Get("/layers", h.ListLayers)
	api.Get("/layers/:name", h.LayerInfo)
	api.Get("/layers/:name/data", h.List)
	api.Post("/layers/:name/data", h.Create)
	api.Get("/layers/:name/data/:pk", h.Get)
	api.Put("/layers/:name/data/:pk", h.Replace)
	api.Patch("/layers/:name/data/:pk", h.Patch)
	api.Delete("/layers/:name/data/:pk", h.Delete)
	api.Post("/layers/:name/bulk", h.Bulk)

	if h.assets != nil {
		api.Post("/assets", h.assets.Upload)
		api.Get("/assets", h.assets.List)
		api.Delete("/assets/:id", h.assets.Delete)
	}
	if tokens != nil {
		api.Get("/media/:token", h.Media(tokens))
	}
}
