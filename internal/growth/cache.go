// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package growth

import (
	"encoding/json"
	"strconv"

	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/internal/streamdata"
)

// cacheNamespace groups every growth-rate-calculating key in the shared
// KVCache: od_normalization_mean, od_normalization_variance, od_blank,
// and the warm-start values, all keyed by experiment.
const cacheNamespace = "growth"

// Cache wraps a store.KVCache with the typed accessors
// growth_rate_calculating needs: per-channel normalization statistics and
// the warm-start growth-rate/filtered-OD scalars, all keyed by
// experiment.
type Cache struct {
	kv store.KVCache
}

// NewCache wraps kv, ordinarily store.NewPersistentCache since these
// values should survive a process restart.
func NewCache(kv store.KVCache) *Cache {
	return &Cache{kv: kv}
}

func channelMapKey(field, experiment string) string { return field + ":" + experiment }

func (c *Cache) getChannelMap(field, experiment string) (map[streamdata.Channel]float64, bool, error) {
	raw, ok, err := c.kv.Get(cacheNamespace, channelMapKey(field, experiment))
	if err != nil || !ok {
		return nil, ok, err
	}
	var m map[streamdata.Channel]float64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (c *Cache) setChannelMap(field, experiment string, m map[streamdata.Channel]float64) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.kv.Set(cacheNamespace, channelMapKey(field, experiment), string(raw))
}

// GetODNormalizationMean returns the cached per-channel reference OD, if any.
func (c *Cache) GetODNormalizationMean(experiment string) (map[streamdata.Channel]float64, bool, error) {
	return c.getChannelMap("od_normalization_mean", experiment)
}

// SetODNormalizationMean caches the per-channel reference OD.
func (c *Cache) SetODNormalizationMean(experiment string, m map[streamdata.Channel]float64) error {
	return c.setChannelMap("od_normalization_mean", experiment, m)
}

// GetODNormalizationVariance returns the cached per-channel OD variance, if any.
func (c *Cache) GetODNormalizationVariance(experiment string) (map[streamdata.Channel]float64, bool, error) {
	return c.getChannelMap("od_normalization_variance", experiment)
}

// SetODNormalizationVariance caches the per-channel OD variance.
func (c *Cache) SetODNormalizationVariance(experiment string, m map[streamdata.Channel]float64) error {
	return c.setChannelMap("od_normalization_variance", experiment, m)
}

// GetODBlank returns the cached per-channel blank reading, if any.
func (c *Cache) GetODBlank(experiment string) (map[streamdata.Channel]float64, bool, error) {
	return c.getChannelMap("od_blank", experiment)
}

// SetODBlank caches the per-channel blank reading.
func (c *Cache) SetODBlank(experiment string, m map[streamdata.Channel]float64) error {
	return c.setChannelMap("od_blank", experiment, m)
}

// GetGrowthRate returns the last cached growth rate for experiment,
// defaulting to 0.0 if absent.
func (c *Cache) GetGrowthRate(experiment string) (float64, error) {
	return c.getFloatOrDefault("growth_rate", experiment, 0.0)
}

// SetGrowthRate caches the latest growth rate for experiment.
func (c *Cache) SetGrowthRate(experiment string, value float64) error {
	return c.kv.Set(cacheNamespace, channelMapKey("growth_rate", experiment), strconv.FormatFloat(value, 'g', -1, 64))
}

// GetODFiltered returns the last cached filtered OD for experiment,
// defaulting to 1.0 if absent.
func (c *Cache) GetODFiltered(experiment string) (float64, error) {
	return c.getFloatOrDefault("od_filtered", experiment, 1.0)
}

// SetODFiltered caches the latest filtered OD for experiment.
func (c *Cache) SetODFiltered(experiment string, value float64) error {
	return c.kv.Set(cacheNamespace, channelMapKey("od_filtered", experiment), strconv.FormatFloat(value, 'g', -1, 64))
}

func (c *Cache) getFloatOrDefault(field, experiment string, fallback float64) (float64, error) {
	raw, ok, err := c.kv.Get(cacheNamespace, channelMapKey(field, experiment))
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Clear removes every cached value for experiment.
func (c *Cache) Clear(experiment string) error {
	for _, field := range []string{"od_filtered", "growth_rate", "od_normalization_mean", "od_normalization_variance", "od_blank"} {
		if err := c.kv.Delete(cacheNamespace, channelMapKey(field, experiment)); err != nil {
			return err
		}
	}
	return nil
}
