// Package bootstrap builds every long-lived component from the loaded
// configuration and hands the handles back to the caller.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"dnswarden/internal/config"
	"dnswarden/internal/database"
	"dnswarden/internal/geoinfo"
	"dnswarden/internal/jobs/monitor"
	"dnswarden/internal/knownaddr"
	"dnswarden/internal/notify"
	"dnswarden/internal/resolver"
	"dnswarden/internal/support"
	"dnswarden/internal/voting"
)

type Components struct {
	Store       *database.Store
	Redis       *redis.Client
	Resolver    *resolver.Resolver
	Enricher    *geoinfo.Enricher
	GeoUpdater  *geoinfo.Updater
	Channel     notify.Channel
	Coordinator *voting.Coordinator
	Monitor     *monitor.Monitor

	geoInterval time.Duration
	closers     []func() error
}

// Setup connects to the ledger and the optional redis server and wires the
// monitoring pipeline. Callers must Close the result.
func Setup(ctx context.Context, cfg config.Config) (*Components, error) {
	c := &Components{}

	db, err := database.SetupDB(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	c.Store = database.NewStore(db, cfg.Database.OpTimeout)
	c.closers = append(c.closers, c.Store.Close)

	if cfg.RedisURL != "" {
		client, err := support.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Redis = client
		c.closers = append(c.closers, client.Close)
		log.Info("Connected to redis")
	} else {
		log.Info("REDIS_URL not set, notifications are logged only and leader election is off")
	}

	c.Resolver, err = resolver.FromConfig(cfg.DNS)
	if err != nil {
		c.Close()
		return nil, err
	}
	log.Info("Resolver configured", "upstreams", c.Resolver.Upstreams())

	countryPath, asnPath := cfg.GeoIP.CountryDBPath, cfg.GeoIP.ASNDBPath
	if cfg.GeoIP.LicenseKey != "" {
		if downloaded := filepath.Join(cfg.GeoIP.DataDir, geoinfo.CountryFileName); countryPath == "" && fileExists(downloaded) {
			countryPath = downloaded
		}
		if downloaded := filepath.Join(cfg.GeoIP.DataDir, geoinfo.ASNFileName); asnPath == "" && fileExists(downloaded) {
			asnPath = downloaded
		}
	}

	c.Enricher, err = geoinfo.Open(countryPath, asnPath)
	if err != nil {
		log.Warn("GeoIP enrichment disabled", "error", err)
		c.Enricher, _ = geoinfo.Open("", "")
	}
	c.closers = append(c.closers, c.Enricher.Close)
	if cfg.GeoIP.LicenseKey != "" {
		c.GeoUpdater = geoinfo.NewUpdater(c.Enricher, cfg.GeoIP.LicenseKey, cfg.GeoIP.DataDir)
	}

	if c.Redis != nil {
		c.Channel = notify.NewRedisChannel(c.Redis)
	} else {
		c.Channel = notify.NewLogChannel(nil)
	}

	var votingOpts []voting.Option
	if c.Enricher.Enabled() || c.GeoUpdater != nil {
		votingOpts = append(votingOpts, voting.WithAnnotator(c.Enricher))
	}
	c.Coordinator = voting.New(c.Store, c.Channel, voting.PolicyFromConfig(cfg.Voting), votingOpts...)

	c.geoInterval = cfg.GeoIP.UpdateInterval

	leader := support.NewLeaderLock(c.Redis, monitor.LeaderLockKey, 0)
	c.Monitor = monitor.New(c.Store, c.Resolver, knownaddr.New(c.Store), c.Coordinator, leader, monitor.Options{
		Interval:         cfg.CheckInterval,
		HistoryRetention: time.Duration(cfg.HistoryDays) * 24 * time.Hour,
	})

	return c, nil
}

// StartBackground launches the monitor loop, the GeoLite updater when a
// license key is set and, with redis, the vote listener. All of them stop
// when ctx is cancelled.
func (c *Components) StartBackground(ctx context.Context) {
	if listener, ok := c.Channel.(*notify.RedisChannel); ok {
		go listener.Listen(ctx, c.Coordinator.HandleVoteEvent)
	}
	if c.GeoUpdater != nil {
		go c.GeoUpdater.Run(ctx, c.geoInterval, support.NewLeaderLock(c.Redis, geoinfo.UpdateLockKey, 0))
	}
	go c.Monitor.Start(ctx)
}

// SeedDomains adds the domains of the seed file. Domains that are already
// monitored are skipped.
func (c *Components) SeedDomains(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	entries, err := config.LoadSeedDomains(path)
	if err != nil {
		return err
	}

	added := 0
	for _, entry := range entries {
		_, err := c.Monitor.AddDomain(ctx, entry.Name, entry.Static, entry.AddedBy)
		if err != nil {
			if errors.Is(err, database.ErrDomainExists) {
				continue
			}
			log.Error("Failed to seed domain", "domain", entry.Name, "error", err)
			continue
		}
		added++
	}

	log.Info("Seed domains processed", "file", path, "entries", len(entries), "added", added)
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn("error closing component", "error", err)
		}
	}
	c.closers = nil
}
