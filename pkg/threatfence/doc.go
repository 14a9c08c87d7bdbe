// Package threatfence provides admission control and threat escalation
// for Go services.
//
// An Engine classifies every inbound request as Allow, Deny, Quarantine,
// Sinkhole or Blackhole. The decision is made from per-source history:
// layered rate limits, a reputation score, behavioral anomaly signals and
// an escalation tier that grows as violations accumulate.
//
// # Quick Start
//
//	engine, err := threatfence.New(
//	    threatfence.WithConfigFile("threatfence.yaml"),
//	    threatfence.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//	stop := engine.StartBackgroundCleanup()
//	defer stop()
//
//	verdict := engine.Evaluate(threatfence.Request{
//	    Identity: "203.0.113.7",
//	    Path:     "/api/login",
//	})
//	if !verdict.Allowed() {
//	    fmt.Println(verdict.Outcome, verdict.Reason)
//	}
//
// # Pipeline
//
// Evaluate runs a fixed sequence and returns the first verdict reached:
//
//  1. Escalation veto. Blackholed and quarantined identities are denied,
//     sinkholed identities, subnets and fingerprints get a decoy.
//  2. Reputation. Whitelisted identities are allowed outright; scores at
//     or below allow_above are denied.
//  3. Rate limiter. Global, identity, subnet and fingerprint windows, the
//     behavior suspicion score and the fair-queue check.
//
// Every rate-limit or reputation denial is recorded into reputation and
// escalation with the severity configured for its reason, so repeated
// abuse moves an identity from Normal to Quarantined, Sinkholed and
// finally Blackholed.
// Only an explicit Release brings a sinkholed or blackholed target back.
//
// Evaluate never sleeps. A sinkhole decoy carries an advisory Delay that
// the HTTP layer applies after the verdict, outside any lock.
//
// # Configuration
//
// Example YAML configuration:
//
//	limits:
//	  global:   {rate: 1000, window: 1s}
//	  identity: {rate: 10, window: 1s}
//	burst_multiplier: 1.5
//	suspicion_threshold: 0.7
//	escalation:
//	  quarantine_threshold: 5
//	  sinkhole_threshold: 10
//	  blackhole_threshold: 50
//	decoy: {min_delay: 1s, max_delay: 30s}
//	cleanup_interval: 5m
//	key_extractor: ip-proxy
//
// Omitted fields keep their defaults. WatchConfig reloads the file when
// it changes; an invalid file is rejected and the running policy kept.
//
// # Persistence
//
// WithThreatStore attaches a store.Store (in-memory or Redis). Listings
// and whitelist/blacklist overrides are saved by the cleanup loop and on
// Close, and merged back with LoadState.
package threatfence
