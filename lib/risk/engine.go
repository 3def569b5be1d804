// Vigil
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package risk grades login attempts by where they come from. The engine
// compares the resolved location against the user's login history and a set
// of network and country denylists; evaluation is advisory and never fails,
// so an engine malfunction degrades to maximum risk instead of blocking the
// caller with an error.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/alerts"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/geo"
	"github.com/gravitational/vigil/lib/utils"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentRisk)

var (
	evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Name:      "risk_evaluations_total",
			Help:      "Number of risk evaluations partitioned by resulting level",
		},
		[]string{"level"},
	)
	findings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Name:      "risk_findings_total",
			Help:      "Number of findings raised by risk checks partitioned by check",
		},
		[]string{"check"},
	)
)

// Level grades the risk of a login attempt.
type Level int

const (
	// LevelLow is the grade of an unremarkable login.
	LevelLow Level = iota
	// LevelMedium marks logins from suspicious networks or countries.
	LevelMedium
	// LevelHigh marks logins that are very unlikely to be legitimate.
	LevelHigh
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Result is the outcome of a risk evaluation.
type Result struct {
	// Level is the aggregated grade, the maximum over all checks.
	Level Level
	// Alerts lists the findings behind the level.
	Alerts []string
	// Location is the resolved login location, Unknown when geolocation
	// came up empty.
	Location geo.Location
}

// flag records a finding and lifts the result to at least level. HIGH
// absorbs: a later lower finding never lowers the grade.
func (r *Result) flag(level Level, alert string) {
	if level > r.Level {
		r.Level = level
	}
	r.Alerts = append(r.Alerts, alert)
}

// Config configures a risk Engine.
type Config struct {
	// Geo resolves client addresses to locations. Required.
	Geo LocationResolver
	// History stores per-user login locations. Required.
	History *HistoryStore
	// Alerts receives the security alerts raised by the engine. Defaults
	// to the package log.
	Alerts alerts.Transport
	// Reputation optionally scores addresses against an external VPN and
	// proxy reputation service. Lookup failures are ignored.
	Reputation ReputationService
	// KnownVPNASNs lists autonomous systems operated by VPN and proxy
	// providers.
	KnownVPNASNs []uint32
	// HighRiskCountries lists ISO 3166-1 alpha-2 codes of countries that
	// require elevated scrutiny.
	HighRiskCountries []string
	// TimeWindow is the maximum age of the previous login for the
	// impossible travel check to apply. Defaults to 24 hours.
	TimeWindow time.Duration
	// ImpossibleSpeedKmh is the apparent travel speed above which a login
	// pair is flagged. Defaults to 1100 km/h.
	ImpossibleSpeedKmh float64
	// SuspiciousDistanceKm is reserved for a distance-based check that is
	// not evaluated yet. The knob is accepted and validated so configs
	// carrying it keep working.
	SuspiciousDistanceKm float64
	// VPNReputationThreshold is the reputation score below which an
	// address is treated as a VPN or proxy exit. Defaults to 0.5.
	VPNReputationThreshold float64
	// Clock times login observations.
	Clock clockwork.Clock
}

// LocationResolver resolves an address to a location. Satisfied by
// *geo.Resolver.
type LocationResolver interface {
	Lookup(ctx context.Context, ip string) geo.Location
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Geo == nil {
		return trace.BadParameter("missing parameter Geo")
	}
	if c.History == nil {
		return trace.BadParameter("missing parameter History")
	}
	if c.Alerts == nil {
		c.Alerts = alerts.LogTransport{}
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = defaults.RiskTimeWindow
	}
	if c.ImpossibleSpeedKmh <= 0 {
		c.ImpossibleSpeedKmh = defaults.ImpossibleSpeedKmh
	}
	if c.SuspiciousDistanceKm < 0 {
		return trace.BadParameter("negative SuspiciousDistanceKm")
	}
	if c.SuspiciousDistanceKm == 0 {
		c.SuspiciousDistanceKm = defaults.SuspiciousDistanceKm
	}
	if c.VPNReputationThreshold <= 0 {
		c.VPNReputationThreshold = defaults.VPNReputationThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine evaluates login risk.
type Engine struct {
	cfg      Config
	vpnASNs  map[uint32]struct{}
	highRisk map[string]struct{}
}

// NewEngine returns a risk engine with the supplied configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(evaluations, findings); err != nil {
		return nil, trace.Wrap(err)
	}

	vpnASNs := make(map[uint32]struct{}, len(cfg.KnownVPNASNs))
	for _, asn := range cfg.KnownVPNASNs {
		vpnASNs[asn] = struct{}{}
	}
	highRisk := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, code := range cfg.HighRiskCountries {
		highRisk[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
	}
	return &Engine{cfg: cfg, vpnASNs: vpnASNs, highRisk: highRisk}, nil
}

// Verify evaluates the risk of userID logging in from ip. It never fails:
// internal errors degrade to a HIGH result carrying an internal_error
// finding, so callers treat an engine malfunction as maximum risk.
func (e *Engine) Verify(ctx context.Context, ip, userID string) Result {
	result, err := e.verify(ctx, ip, userID)
	if err != nil {
		log.ErrorContext(ctx, "Risk evaluation failed",
			"user_id", userID, "ip", ip, "error", err)
		findings.WithLabelValues("internal_error").Inc()
		result = Result{Level: LevelHigh, Alerts: []string{"internal_error"}}
	}
	evaluations.WithLabelValues(result.Level.String()).Inc()
	return result
}

func (e *Engine) verify(ctx context.Context, ip, userID string) (Result, error) {
	loc := e.cfg.Geo.Lookup(ctx, ip)
	result := Result{Level: LevelLow, Location: loc}

	// An address we cannot place is itself a signal. Unknown locations
	// carry no coordinates or ASN, so the remaining checks cannot apply,
	// and they are not recorded: a gap in the history is better than an
	// entry that breaks the next travel comparison.
	if loc.IsUnknown() {
		result.flag(LevelMedium, "location_unknown")
		findings.WithLabelValues("location_unknown").Inc()
		return result, nil
	}

	history, err := e.cfg.History.Get(ctx, userID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	e.checkImpossibleTravel(ctx, &result, loc, history, userID, ip)
	e.checkVPN(ctx, &result, loc, ip)
	e.checkCountry(&result, loc)

	// Record the observation whatever the outcome so the next evaluation
	// compares against this login.
	if err := e.cfg.History.Append(ctx, userID, loc); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return result, nil
}

func (e *Engine) checkImpossibleTravel(ctx context.Context, result *Result, loc geo.Location, history History, userID, ip string) {
	last, ok := history.Last()
	if !ok {
		return
	}
	elapsed := e.cfg.Clock.Now().UTC().Sub(last.Time)
	if elapsed > e.cfg.TimeWindow {
		return
	}
	distance := geo.Distance(last.Location, loc)
	speed := travelSpeed(distance, elapsed)
	if speed <= e.cfg.ImpossibleSpeedKmh {
		return
	}

	result.flag(LevelHigh, fmt.Sprintf("Impossible travel detected: %s to %s, %.0f km at %.0f km/h",
		last.Location, loc, distance, speed))
	findings.WithLabelValues("impossible_travel").Inc()

	alert := alerts.NewAlert(e.cfg.Clock, userID, alerts.SeverityCritical,
		fmt.Sprintf("Impossible travel detected for user %s", userID))
	alert.Details = map[string]string{
		"ip":          ip,
		"from":        last.Location.String(),
		"to":          loc.String(),
		"distance_km": fmt.Sprintf("%.1f", distance),
		"speed_kmh":   fmt.Sprintf("%.1f", speed),
		"elapsed":     elapsed.String(),
	}
	if err := e.cfg.Alerts.Send(ctx, alert); err != nil {
		log.WarnContext(ctx, "Security alert delivery failed",
			"alert_id", alert.ID, "user_id", userID, "error", err)
	}
}

func (e *Engine) checkVPN(ctx context.Context, result *Result, loc geo.Location, ip string) {
	if _, known := e.vpnASNs[loc.ASN]; known && loc.ASN != 0 {
		result.flag(LevelMedium, fmt.Sprintf("vpn_asn:%d", loc.ASN))
		findings.WithLabelValues("vpn_asn").Inc()
	}

	if e.cfg.Reputation == nil {
		return
	}
	score, err := e.cfg.Reputation.Score(ctx, ip)
	if err != nil {
		log.DebugContext(ctx, "Reputation lookup failed", "ip", ip, "error", err)
		return
	}
	if score < e.cfg.VPNReputationThreshold {
		result.flag(LevelMedium, fmt.Sprintf("vpn_reputation:%.2f", score))
		findings.WithLabelValues("vpn_reputation").Inc()
	}
}

func (e *Engine) checkCountry(result *Result, loc geo.Location) {
	if _, risky := e.highRisk[loc.CountryCode]; risky {
		result.flag(LevelMedium, "country_risk:"+loc.CountryCode)
		findings.WithLabelValues("country_risk").Inc()
	}
}

// travelSpeed computes the apparent travel speed in km/h. Zero distance is
// zero speed whatever the elapsed time; distinct places visited within a
// second are infinitely fast.
func travelSpeed(distanceKm float64, elapsed time.Duration) float64 {
	if distanceKm == 0 {
		return 0
	}
	if elapsed <= time.Second {
		return math.Inf(1)
	}
	return distanceKm / elapsed.Hours()
}
