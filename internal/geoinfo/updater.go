package geoinfo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"dnswarden/internal/support"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "dnswarden-geolite-updater/1.0"

	CountryFileName = "GeoLite2-Country.mmdb"
	ASNFileName     = "GeoLite2-ASN.mmdb"

	UpdateLockKey = "dnswarden:leader:geolite_update"
)

// ErrNoLicenseKey indicates that no MaxMind license key has been configured.
var ErrNoLicenseKey = errors.New("geoinfo: license key is not configured")

type downloadTarget struct {
	editionID string
	filename  string
}

var downloadTargets = []downloadTarget{
	{editionID: "GeoLite2-ASN", filename: ASNFileName},
	{editionID: "GeoLite2-Country", filename: CountryFileName},
}

// Updater keeps the GeoLite databases in dir current and reloads the
// enricher after every successful download.
type Updater struct {
	enricher   *Enricher
	licenseKey string
	dir        string
	baseURL    string
	client     *http.Client
	group      singleflight.Group
}

func NewUpdater(enricher *Enricher, licenseKey, dir string) *Updater {
	if strings.TrimSpace(dir) == "" {
		dir = "data/geolite"
	}
	return &Updater{
		enricher:   enricher,
		licenseKey: strings.TrimSpace(licenseKey),
		dir:        dir,
		baseURL:    maxMindDownloadURL,
		client:     &http.Client{Timeout: 2 * time.Minute},
	}
}

func (u *Updater) CountryPath() string {
	return filepath.Join(u.dir, CountryFileName)
}

func (u *Updater) ASNPath() string {
	return filepath.Join(u.dir, ASNFileName)
}

// Stale reports whether any database is missing or older than maxAge.
func (u *Updater) Stale(maxAge time.Duration) bool {
	for _, path := range []string{u.CountryPath(), u.ASNPath()} {
		info, err := os.Stat(path)
		if err != nil {
			return true
		}
		if maxAge > 0 && time.Since(info.ModTime()) > maxAge {
			return true
		}
	}
	return false
}

// Update downloads both editions. Concurrent calls share one download.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	result, err, _ := u.group.Do("update", func() (any, error) {
		if u.licenseKey == "" {
			return false, ErrNoLicenseKey
		}

		if err := os.MkdirAll(u.dir, 0o755); err != nil {
			return false, fmt.Errorf("ensure data dir: %w", err)
		}

		for _, target := range downloadTargets {
			if err := u.downloadEdition(ctx, target); err != nil {
				return false, err
			}
		}

		if u.enricher != nil {
			if err := u.enricher.Reload(u.CountryPath(), u.ASNPath()); err != nil {
				return false, fmt.Errorf("reload geolite: %w", err)
			}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

// Run refreshes the databases every interval. With a shared redis only the
// leader downloads.
func (u *Updater) Run(ctx context.Context, interval time.Duration, leader *support.LeaderLock) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	err := leader.Run(ctx, func(leaderCtx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if u.Stale(interval) {
			u.trigger(leaderCtx, "startup")
		}

		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-ticker.C:
				u.trigger(leaderCtx, "scheduled")
			}
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func (u *Updater) trigger(ctx context.Context, reason string) {
	updated, err := u.Update(ctx)
	switch {
	case errors.Is(err, ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case updated:
		log.Info("GeoLite databases updated", "reason", reason)
	}
}

func (u *Updater) downloadEdition(ctx context.Context, target downloadTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(target.editionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target.editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", target.editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", target.editionID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", target.editionID, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != target.filename {
			continue
		}

		if err := writeToFile(filepath.Join(u.dir, target.filename), tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", target.editionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", target.editionID)
}

// writeToFile replaces destPath atomically so readers never see a partial file.
func writeToFile(destPath string, data io.Reader) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

func (u *Updater) downloadURL(edition string) string {
	query := url.Values{}
	query.Set("edition_id", edition)
	query.Set("license_key", u.licenseKey)
	query.Set("suffix", "tar.gz")
	return u.baseURL + "?" + query.Encode()
}
