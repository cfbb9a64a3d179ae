// MIT License
//
// Copyright (c) 2026 Kolin
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
package enrichment

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"accesswatch/internal/database/models"

	"github.com/oschwald/geoip2-golang"
	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

// Location is the GeoIP and ASN data known for one IP
type Location struct {
	Country     string `json:"country,omitempty"`
	CountryName string `json:"country_name,omitempty"`
	City        string `json:"city,omitempty"`
	ASN         int    `json:"asn,omitempty"`
	ASNOrg      string `json:"asn_org,omitempty"`
}

// Empty reports whether no lookup produced any data
func (l Location) Empty() bool {
	return l == Location{}
}

type cacheEntry struct {
	location Location
	lastUsed time.Time
}

// GeoIPEnricher resolves offending IPs to country and ASN with caching
type GeoIPEnricher struct {
	cityDB    *geoip2.Reader
	countryDB *geoip2.Reader
	asnDB     *geoip2.Reader
	db        *gorm.DB
	logger    *pterm.Logger
	cache     map[string]*cacheEntry
	cacheMu   sync.Mutex
	enabled   bool
	cacheSize int
}

// NewGeoIPEnricher creates a new GeoIP enricher.
// Handles City, Country, and ASN databases, any combination may be missing.
// db may be nil, it is only used to warm the cache from offender history.
func NewGeoIPEnricher(cityDBPath, countryDBPath, asnDBPath string, db *gorm.DB, logger *pterm.Logger, cacheSize int) *GeoIPEnricher {
	if cacheSize <= 0 {
		cacheSize = 10000
	}

	enricher := &GeoIPEnricher{
		db:        db,
		logger:    logger,
		cache:     make(map[string]*cacheEntry),
		cacheSize: cacheSize,
	}

	enricher.cityDB = openReader(cityDBPath, "City", logger)
	enricher.countryDB = openReader(countryDBPath, "Country", logger)
	enricher.asnDB = openReader(asnDBPath, "ASN", logger)
	enricher.enabled = enricher.cityDB != nil || enricher.countryDB != nil || enricher.asnDB != nil

	if !enricher.enabled {
		logger.Debug("GeoIP enrichment disabled - no databases available")
	}

	return enricher
}

func openReader(path, kind string, logger *pterm.Logger) *geoip2.Reader {
	if path == "" {
		return nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		logger.Warn("GeoIP database not available",
			logger.Args("kind", kind, "path", path, "error", err))
		return nil
	}
	logger.Info("Loaded GeoIP database", logger.Args("kind", kind, "path", path))
	return reader
}

// Lookup returns the location of ip, served from cache when possible.
// A disabled enricher returns an empty Location.
func (g *GeoIPEnricher) Lookup(ipAddress string) (Location, error) {
	if !g.enabled {
		return Location{}, nil
	}

	g.cacheMu.Lock()
	if entry, ok := g.cache[ipAddress]; ok {
		entry.lastUsed = time.Now()
		loc := entry.location
		g.cacheMu.Unlock()
		g.logger.Trace("GeoIP cache hit", g.logger.Args("ip", ipAddress, "country", loc.Country))
		return loc, nil
	}
	g.cacheMu.Unlock()

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return Location{}, fmt.Errorf("invalid IP: %s", ipAddress)
	}

	loc := g.lookup(ip)
	g.store(ipAddress, loc)
	return loc, nil
}

func (g *GeoIPEnricher) lookup(ip net.IP) Location {
	var loc Location

	cityLookupSuccess := false
	if g.cityDB != nil {
		record, err := g.cityDB.City(ip)
		if err == nil {
			loc.Country = record.Country.IsoCode
			loc.CountryName = record.Country.Names["en"]
			loc.City = record.City.Names["en"]
			cityLookupSuccess = loc.Country != ""
		} else {
			g.logger.Debug("GeoIP City lookup failed", g.logger.Args("ip", ip.String(), "error", err))
		}
	}

	if !cityLookupSuccess && g.countryDB != nil {
		record, err := g.countryDB.Country(ip)
		if err == nil {
			loc.Country = record.Country.IsoCode
			loc.CountryName = record.Country.Names["en"]
		} else {
			g.logger.Debug("GeoIP Country lookup failed", g.logger.Args("ip", ip.String(), "error", err))
		}
	}

	if g.asnDB != nil {
		record, err := g.asnDB.ASN(ip)
		if err == nil {
			loc.ASN = int(record.AutonomousSystemNumber)
			loc.ASNOrg = record.AutonomousSystemOrganization
		} else {
			g.logger.Debug("GeoIP ASN lookup failed", g.logger.Args("ip", ip.String(), "error", err))
		}
	}

	return loc
}

// store caches loc, evicting the least recently used tenth when full
func (g *GeoIPEnricher) store(ipAddress string, loc Location) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()

	if len(g.cache) >= g.cacheSize {
		evictCount := g.cacheSize / 10
		if evictCount < 1 {
			evictCount = 1
		}

		type ipAge struct {
			ip       string
			lastUsed time.Time
		}
		ages := make([]ipAge, 0, len(g.cache))
		for ip, entry := range g.cache {
			ages = append(ages, ipAge{ip: ip, lastUsed: entry.lastUsed})
		}
		sort.Slice(ages, func(i, j int) bool {
			return ages[i].lastUsed.Before(ages[j].lastUsed)
		})
		for _, age := range ages[:evictCount] {
			delete(g.cache, age.ip)
		}

		g.logger.Debug("GeoIP cache eviction performed",
			g.logger.Args("evicted", evictCount, "cache_size", len(g.cache), "max_size", g.cacheSize))
	}

	g.cache[ipAddress] = &cacheEntry{location: loc, lastUsed: time.Now()}
}

// LoadCache warms the cache with the most recently flagged offenders
func (g *GeoIPEnricher) LoadCache() error {
	if !g.enabled || g.db == nil {
		return nil
	}

	var offenders []models.Offender
	err := g.db.Where("country <> '' OR asn <> 0").
		Order("last_seen DESC").
		Limit(g.cacheSize / 2).
		Find(&offenders).Error
	if err != nil {
		g.logger.WithCaller().Error("Failed to load offender locations", g.logger.Args("error", err))
		return err
	}

	for _, o := range offenders {
		g.store(o.IPAddress, Location{
			Country:     o.Country,
			CountryName: o.CountryName,
			City:        o.City,
			ASN:         o.ASN,
			ASNOrg:      o.ASNOrg,
		})
	}

	g.logger.Debug("Loaded GeoIP cache from offender history", g.logger.Args("entries", len(offenders)))
	return nil
}

// Close closes the GeoIP databases
func (g *GeoIPEnricher) Close() error {
	for _, reader := range []*geoip2.Reader{g.cityDB, g.countryDB, g.asnDB} {
		if reader != nil {
			reader.Close()
		}
	}
	return nil
}

// IsEnabled returns whether GeoIP enrichment is available
func (g *GeoIPEnricher) IsEnabled() bool {
	return g.enabled
}

// GetCacheSize returns the number of entries in memory cache
func (g *GeoIPEnricher) GetCacheSize() int {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	return len(g.cache)
}
