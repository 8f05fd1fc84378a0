package geo

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/opsnotes/warden/internal/config"
)

var ErrInvalidIP = errors.New("invalid IP address")

// Filter is an independent country-level allow/deny predicate evaluated
// alongside IP list precedence. It is not part of the DDoS state machine.
type Filter struct {
	reader *geoip2.Reader
	allow  map[string]bool
	deny   map[string]bool
}

// NewFilter opens the GeoLite2 country database and compiles the configured
// country sets. Returns (nil, nil) when no database path is configured, in
// which case geographic filtering is disabled.
func NewFilter(cfg config.GeoConfig) (*Filter, error) {
	if cfg.DatabasePath == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Filter{
		reader: reader,
		allow:  countrySet(cfg.AllowCountries),
		deny:   countrySet(cfg.DenyCountries),
	}, nil
}

// Allowed reports whether the address passes the country predicate.
// Unresolvable countries are allowed: the list manager and rate limiter
// still stand behind this check.
func (f *Filter) Allowed(ip string) (bool, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	record, err := f.reader.Country(parsed)
	if err != nil {
		return true, nil
	}
	iso := record.Country.IsoCode
	if iso == "" {
		return true, nil
	}

	if f.deny[iso] {
		return false, nil
	}
	if len(f.allow) > 0 {
		return f.allow[iso], nil
	}
	return true, nil
}

// Close releases the underlying database reader.
func (f *Filter) Close() error {
	return f.reader.Close()
}

func countrySet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, code := range codes {
		set[strings.ToUpper(strings.TrimSpace(code))] = true
	}
	return set
}
