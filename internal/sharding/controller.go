// Package sharding implements the adaptive query-sharding controller.
//
// The search feed truncates silently at its per-query result cap with no
// pagination. Detecting saturation per region and permanently escalating to a
// finer source-partitioned query set is the only way to approximate complete
// coverage without knowing in advance which regions are high-volume.
package sharding

import (
	"fmt"
	"time"

	"github.com/jvilhena/vigia/internal/incident"
)

// DefaultSourceDomains is the curated list of national news-source domains a
// saturated region is partitioned across, one query per domain.
var DefaultSourceDomains = []string{
	"g1.globo.com",
	"uol.com.br",
	"folha.uol.com.br",
	"estadao.com.br",
	"oglobo.globo.com",
	"r7.com",
	"terra.com.br",
	"metropoles.com",
	"cnn.com.br",
	"band.uol.com.br",
	"jovempan.com.br",
	"correiobraziliense.com.br",
	"gazetadopovo.com.br",
	"odia.ig.com.br",
	"otempo.com.br",
}

// DefaultRegions is the default monitored region set: the major Brazilian
// metros the hourly discovery pass covers.
var DefaultRegions = []string{
	"São Paulo SP",
	"Rio de Janeiro RJ",
	"Brasília DF",
	"Salvador BA",
	"Fortaleza CE",
	"Belo Horizonte MG",
	"Manaus AM",
	"Curitiba PR",
	"Recife PE",
	"Goiânia GO",
	"Belém PA",
	"Porto Alegre RS",
}

// Config tunes the controller.
type Config struct {
	// When is the feed recency filter appended to every query.
	When string
	// SaturationCap is the feed's hard per-query result cap.
	SaturationCap int
	// HysteresisFloor: a sharded region observing fewer results than this
	// still stays sharded. The gap between floor and cap avoids oscillating
	// between strategies on volatile news days.
	HysteresisFloor int
	// SourceDomains is the partition set used once a region is sharded.
	SourceDomains []string
}

// Controller decides, per region, whether to issue one broad query or many
// source-partitioned queries, and updates decision state from observed result
// volume.
type Controller struct {
	cfg Config
}

// New builds a Controller, filling zero config fields with defaults.
func New(cfg Config) *Controller {
	if cfg.When == "" {
		cfg.When = "1h"
	}
	if cfg.SaturationCap <= 0 {
		cfg.SaturationCap = 100
	}
	if cfg.HysteresisFloor <= 0 {
		cfg.HysteresisFloor = 80
	}
	if len(cfg.SourceDomains) == 0 {
		cfg.SourceDomains = DefaultSourceDomains
	}
	return &Controller{cfg: cfg}
}

// QueriesFor returns the query set for a region given its current stats: one
// broad query normally, one query per source domain once sharded.
func (c *Controller) QueriesFor(region string, stats incident.RegionStats) []string {
	if !stats.NeedsSharding {
		return []string{fmt.Sprintf("%s when:%s", region, c.cfg.When)}
	}
	queries := make([]string, 0, len(c.cfg.SourceDomains))
	for _, domain := range c.cfg.SourceDomains {
		queries = append(queries, fmt.Sprintf("%s when:%s site:%s", region, c.cfg.When, domain))
	}
	return queries
}

// RecordResult folds one observed result count into the region's stats and
// reports whether the observation saturated the cap.
//
// The sharding flag is sticky: observations below the hysteresis floor never
// clear it. Resetting is an explicit operator action on the store.
func (c *Controller) RecordResult(stats *incident.RegionStats, resultCount int, now time.Time) bool {
	stats.LastResultCount = resultCount
	stats.LastFetchAt = &now
	stats.UpdatedAt = now

	if resultCount >= c.cfg.SaturationCap {
		stats.NeedsSharding = true
		stats.HitLimitCount++
		return true
	}
	return false
}

// SourceDomainCount reports how many queries a sharded region fans out to.
func (c *Controller) SourceDomainCount() int {
	return len(c.cfg.SourceDomains)
}
