package routes

import (
	"context"
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/host"
)

// manifestLister 由 *worker.Worker 实现，用于在诊断输出中列出预加载资源。
type manifestLister interface {
	ManifestKeys() []string
}

// RegisterStatusRoutes 暴露 /-/status、/-/generations 与 /-/activate 诊断接口。
func RegisterStatusRoutes(app *fiber.App, h *host.Host, storage cache.Storage) {
	if app == nil || h == nil || storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		var ctx context.Context = c.Context()
		snap := h.Snapshot()
		payload := statusPayload{
			Controller: snap.Controller,
			Active:     snap.Active,
			Waiting:    snap.Waiting,
			Versions:   snap.Versions,
		}
		if controller := h.Controller(); controller != nil {
			if lister, ok := controller.Lifecycle().(manifestLister); ok {
				payload.Manifest = lister.ManifestKeys()
			}
			count, err := countEntries(ctx, storage, controller.Name())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
			}
			payload.Entries = count
		}
		return c.JSON(payload)
	})

	app.Get("/-/generations", func(c fiber.Ctx) error {
		var ctx context.Context = c.Context()
		names, err := storage.Names(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		current := ""
		if controller := h.Controller(); controller != nil {
			current = controller.Name()
		}
		items := make([]generationPayload, 0, len(names))
		for _, name := range names {
			count, err := countEntries(ctx, storage, name)
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
			}
			items = append(items, generationPayload{Name: name, Entries: count, Current: name == current})
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].Name < items[j].Name
		})
		return c.JSON(fiber.Map{"generations": items})
	})

	app.Post("/-/activate", func(c fiber.Ctx) error {
		var ctx context.Context = c.Context()
		v, err := h.ActivateWaiting(ctx)
		if errors.Is(err, host.ErrNoWaitingVersion) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_version"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
		return c.JSON(fiber.Map{"activated": v.Info()})
	})
}

type statusPayload struct {
	Controller *host.VersionInfo  `json:"controller"`
	Active     *host.VersionInfo  `json:"active"`
	Waiting    *host.VersionInfo  `json:"waiting"`
	Versions   []host.VersionInfo `json:"versions"`
	Manifest   []string           `json:"manifest,omitempty"`
	Entries    int                `json:"entries"`
}

type generationPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// countEntries 统计缓存代条目数；不存在（或刚被清理）的缓存代计为 0，且不会被重新创建。
func countEntries(ctx context.Context, storage cache.Storage, name string) (int, error) {
	gen, err := storage.Lookup(ctx, name)
	if errors.Is(err, cache.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
