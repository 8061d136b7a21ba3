package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"blackout-monitor/internal/cache"
	"blackout-monitor/internal/database"
)

type Handlers struct {
	DB    *database.DB
	Cache *cache.Cache

	// In-memory response cache for /api/addresses.
	addrCache   []byte
	addrCacheAt time.Time
	addrCacheMu sync.RWMutex
}

const (
	// AddressCacheTTL is how long to cache the address list response.
	AddressCacheTTL = 15 * time.Second
	// AddressCacheMaxAgeSec is the Cache-Control max-age header value.
	AddressCacheMaxAgeSec = 15
)

// GetAddresses returns every monitored address with its group binding and
// freshness. Cached server-side so dashboard polling doesn't hit the DB.
func (h *Handlers) GetAddresses(c *fiber.Ctx) error {
	h.addrCacheMu.RLock()
	if h.addrCache != nil && time.Since(h.addrCacheAt) < AddressCacheTTL {
		data := h.addrCache
		h.addrCacheMu.RUnlock()
		c.Set("Content-Type", "application/json")
		c.Set("Cache-Control", "public, max-age="+strconv.Itoa(AddressCacheMaxAgeSec))
		return c.Send(data)
	}
	h.addrCacheMu.RUnlock()

	h.addrCacheMu.Lock()
	defer h.addrCacheMu.Unlock()

	// Double-check after acquiring write lock.
	if h.addrCache != nil && time.Since(h.addrCacheAt) < AddressCacheTTL {
		c.Set("Content-Type", "application/json")
		c.Set("Cache-Control", "public, max-age="+strconv.Itoa(AddressCacheMaxAgeSec))
		return c.Send(h.addrCache)
	}

	ctx := context.Background()
	statuses, err := h.DB.AllAddresses(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load addresses"})
	}

	result := make([]fiber.Map, 0, len(statuses))
	for _, st := range statuses {
		entry := fiber.Map{
			"key":    st.Address.Key,
			"name":   st.Address.Name,
			"city":   st.Address.City,
			"street": st.Address.Street,
			"house":  st.Address.House,
		}
		if st.GroupName != "" {
			entry["group"] = st.GroupName
			entry["group_checked_at"] = st.GroupCheckedAt
		}
		result = append(result, entry)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "marshal error"})
	}

	h.addrCache = data
	h.addrCacheAt = time.Now()

	c.Set("Content-Type", "application/json")
	c.Set("Cache-Control", "public, max-age="+strconv.Itoa(AddressCacheMaxAgeSec))
	return c.Send(data)
}

// GetGroup returns the live and staged schedules for one group.
func (h *Handlers) GetGroup(c *fiber.Ctx) error {
	group := c.Params("group")
	if group == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	ctx := context.Background()
	live, err := h.DB.GroupSchedule(ctx, group)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load schedule"})
	}
	staged, err := h.DB.NextDaySchedule(ctx, group)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load staged schedule"})
	}
	if live == nil && staged == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown group"})
	}

	resp := fiber.Map{"group": group}
	if live != nil {
		resp["intervals"] = live.Intervals
		resp["checked_at"] = live.CheckedAt
	}
	if staged != nil {
		resp["next_day_intervals"] = staged.Intervals
		resp["next_day_checked_at"] = staged.CheckedAt
	}
	if h.Cache != nil {
		if probedAt, err := h.Cache.LastProbe(ctx, group); err == nil && !probedAt.IsZero() {
			resp["last_probe_at"] = probedAt
		}
	}
	return c.JSON(resp)
}

// Healthz reports liveness: the process is up and the DB answers.
func (h *Handlers) Healthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.DB.Pool.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "db unreachable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
