package handler

import (
	"path/filepath"

	"github.com/gofiber/fiber/v2"

	"github.com/nfabilling/api/internal/config"
	"github.com/nfabilling/api/pkg/response"
)

// MetaHandler exposes effective runtime settings for operators.
type MetaHandler struct {
	cfg *config.Config
}

func NewMetaHandler(cfg *config.Config) *MetaHandler {
	return &MetaHandler{cfg: cfg}
}

// Paths handles GET /api/meta/paths
func (h *MetaHandler) Paths(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"storageDir": h.cfg.Storage.Dir,
		"sqlitePath": h.cfg.Storage.SQLitePath,
		"resultsDir": filepath.Join(h.cfg.Storage.Dir, "results"),
		"logsDir":    filepath.Join(h.cfg.Storage.Dir, "logs"),
	})
}

// Partners handles GET /api/meta/partners
func (h *MetaHandler) Partners(c *fiber.Ctx) error {
	mapping := h.cfg.Partners.Mapping
	if mapping == nil {
		mapping = map[string]string{}
	}
	return response.OK(c, mapping)
}
