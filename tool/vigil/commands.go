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

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gravitational/vigil/lib/asn"
	"github.com/gravitational/vigil/lib/cache"
	"github.com/gravitational/vigil/lib/config"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/geo"
	"github.com/gravitational/vigil/lib/geoip"
	"github.com/gravitational/vigil/lib/services/local"
	"github.com/gravitational/vigil/lib/services/pgstore"
)

// resolveConcurrency bounds parallel lookups so a long address list does
// not slam the DNS and WHOIS fallbacks.
const resolveConcurrency = 4

func newASNCommand(flags *cliFlags) *cobra.Command {
	asnCmd := &cobra.Command{
		Use:   "asn",
		Short: "Operations on the IP to ASN resolution pipeline",
	}

	resolve := &cobra.Command{
		Use:   "resolve <ip> [<ip> ...]",
		Short: "Resolve addresses to their announcing autonomous system",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return onASNResolve(cmd.Context(), flags, args)
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale entries from the durable ASN store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return onASNSweep(cmd.Context(), flags)
		},
	}

	asnCmd.AddCommand(resolve, sweep)
	return asnCmd
}

func newGeoCommand(flags *cliFlags) *cobra.Command {
	geoCmd := &cobra.Command{
		Use:   "geo",
		Short: "Operations on the geolocation databases",
	}

	lookup := &cobra.Command{
		Use:   "lookup <ip>",
		Short: "Geolocate an address against the configured databases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return onGeoLookup(cmd.Context(), flags, args[0])
		},
	}

	geoCmd.AddCommand(lookup)
	return geoCmd
}

func onASNResolve(ctx context.Context, flags *cliFlags, ips []string) error {
	fc, err := loadConfig(flags)
	if err != nil {
		return trace.Wrap(err)
	}
	resolver, closeAll, err := newASNResolver(ctx, fc)
	if err != nil {
		return trace.Wrap(err)
	}
	defer closeAll()

	results := make([]uint32, len(ips))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(resolveConcurrency)
	for i, ip := range ips {
		group.Go(func() error {
			result, err := resolver.LookupASN(gctx, ip)
			if err != nil {
				return trace.Wrap(err, "resolving %v", ip)
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return trace.Wrap(err)
	}

	for i, ip := range ips {
		fmt.Printf("%-39v %v\n", ip, asn.Format(results[i]))
	}
	return nil
}

// newASNResolver assembles the full lookup pipeline from the configuration:
// the local GeoIP database when one is configured, then the Team Cymru DNS
// zones, then WHOIS, backed by postgres when configured and a per-run
// scratch store otherwise.
func newASNResolver(ctx context.Context, fc *config.FileConfig) (*asn.Resolver, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var providers []asn.Provider
	if fc.Geo.ASNDB != "" {
		reader, err := geoip.NewReader(geoip.ReaderConfig{ASNPath: fc.Geo.ASNDB})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		closers = append(closers, func() { reader.Close() })
		provider, err := asn.NewDatabaseProvider(reader)
		if err != nil {
			closeAll()
			return nil, nil, trace.Wrap(err)
		}
		providers = append(providers, provider)
	}
	providers = append(providers,
		asn.NewCymruProvider(net.DefaultResolver),
		asn.NewWhoisProvider(fc.ASN.WhoisServer),
	)

	var store asn.EntryStore = local.NewAsnStore()
	if fc.Postgres.ConnString != "" {
		pg, err := pgstore.New(ctx, pgstore.Config{ConnString: fc.Postgres.ConnString})
		if err != nil {
			closeAll()
			return nil, nil, trace.Wrap(err)
		}
		closers = append(closers, func() { pg.Close() })
		store = pg
	}

	// resolutions cached in redis survive the run and are shared with the
	// deployment; without redis the cache lives and dies with the process
	var cacheStore cache.Store = cache.NewMemoryStore(defaults.CacheCleanupInterval)
	if fc.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     fc.Redis.Addr,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		})
		closers = append(closers, func() { client.Close() })
		redisStore, err := cache.NewRedisStore(cache.RedisStoreConfig{Client: client})
		if err != nil {
			closeAll()
			return nil, nil, trace.Wrap(err)
		}
		cacheStore = redisStore
	}

	layer, err := cache.NewLayer(cache.Config{
		Caches:  cache.DefaultCaches(cacheStore),
		Context: ctx,
	})
	if err != nil {
		closeAll()
		return nil, nil, trace.Wrap(err)
	}

	resolver, err := asn.NewResolver(asn.ResolverConfig{
		Providers: providers,
		Store:     store,
		Cache:     layer,
		Limit:     rate.NewLimiter(rate.Limit(fc.ASN.ExternalRate), defaults.AsnExternalBurst),
	})
	if err != nil {
		closeAll()
		return nil, nil, trace.Wrap(err)
	}
	return resolver, closeAll, nil
}

func onASNSweep(ctx context.Context, flags *cliFlags) error {
	fc, err := loadConfig(flags)
	if err != nil {
		return trace.Wrap(err)
	}
	if fc.Postgres.ConnString == "" {
		return trace.BadParameter("asn sweep requires postgres.conn_string to be configured")
	}

	store, err := pgstore.New(ctx, pgstore.Config{ConnString: fc.Postgres.ConnString})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()

	sweeper, err := asn.NewSweeper(asn.SweeperConfig{
		Store:      store,
		StaleAfter: fc.ASN.StaleThreshold,
		Interval:   fc.ASN.CleanupInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	removed, err := sweeper.RunOnce(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Removed %v stale ASN entries.\n", removed)
	return nil
}

func onGeoLookup(ctx context.Context, flags *cliFlags, ip string) error {
	fc, err := loadConfig(flags)
	if err != nil {
		return trace.Wrap(err)
	}
	if fc.Geo.CityDB == "" {
		return trace.BadParameter("geo lookup requires geo.city_db to be configured")
	}

	reader, err := geoip.NewReader(geoip.ReaderConfig{
		CityPath: fc.Geo.CityDB,
		ASNPath:  fc.Geo.ASNDB,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer reader.Close()

	cfg := geo.ResolverConfig{Reader: reader}
	if fc.Geo.ASNDB != "" {
		// enrichment stays local: the network-going chain belongs to
		// "asn resolve"
		provider, err := asn.NewDatabaseProvider(reader)
		if err != nil {
			return trace.Wrap(err)
		}
		enricher, err := asn.NewResolver(asn.ResolverConfig{Providers: []asn.Provider{provider}})
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.ASN = enricher
	}
	resolver, err := geo.NewResolver(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	printLocation(ip, resolver.Lookup(ctx, ip))
	return nil
}

func printLocation(ip string, loc geo.Location) {
	fmt.Printf("IP:          %v\n", ip)
	fmt.Printf("Location:    %v\n", loc)
	if loc.CountryName != "" {
		fmt.Printf("Country:     %v (%v)\n", loc.CountryName, loc.CountryCode)
	}
	if loc.HasCoordinates() {
		fmt.Printf("Coordinates: %.4f, %.4f\n", loc.Latitude, loc.Longitude)
	}
	if loc.TimeZone != "" {
		fmt.Printf("Time zone:   %v\n", loc.TimeZone)
	}
	if loc.ASN != 0 {
		fmt.Printf("ASN:         %v\n", asn.Format(loc.ASN))
	}
}
