// Command twinguardd runs the twin synchronisation and isolation orchestrator.
//
// It wires the telemetry feeds into the scheduler, the scheduler into the
// phenotype model and the isolation engine, and the engine's audit trail into
// pubsub and (when enabled) the Neo4j archive. All long-running parts are
// component procs supervised by a single component.RunProc.
package main

import (
	"flag"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/twinguard/twinguard"
	"github.com/twinguard/twinguard/arbiter"
	"github.com/twinguard/twinguard/config"
	"github.com/twinguard/twinguard/isolation"
	"github.com/twinguard/twinguard/mqttfeed"
	"github.com/twinguard/twinguard/neo4jaudit"
	"github.com/twinguard/twinguard/netquarantine"
	"github.com/twinguard/twinguard/phenotype"
	"github.com/twinguard/twinguard/scheduler"
)

var configPath = flag.String("config", "/etc/twinguard/twinguard.yaml", "path to the configuration file")

func main() {
	flag.Parse()

	component.RunProc(func(l *component.L) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			l.Fatal(fmt.Errorf("load configuration: %w", err))
		}
		if err := cfg.RegisterClasses(); err != nil {
			l.Fatal(fmt.Errorf("register device classes: %w", err))
		}

		telemetry, err := pubsub.OpenSubscription(l.Context(), cfg.PubSub.Telemetry)
		if err != nil {
			l.Fatal(fmt.Errorf("open telemetry subscription %q: %w", cfg.PubSub.Telemetry, err))
		}
		l.CleanupBackground(telemetry.Shutdown)

		twins, err := pubsub.OpenTopic(l.Context(), cfg.PubSub.Twins)
		if err != nil {
			l.Fatal(fmt.Errorf("open twins topic %q: %w", cfg.PubSub.Twins, err))
		}
		l.CleanupBackground(twins.Shutdown)

		alerts, err := pubsub.OpenTopic(l.Context(), cfg.PubSub.Alerts)
		if err != nil {
			l.Fatal(fmt.Errorf("open alerts topic %q: %w", cfg.PubSub.Alerts, err))
		}
		l.CleanupBackground(alerts.Shutdown)

		events := twinguard.EventWriter{Twins: twins, Alerts: alerts}
		auditor := buildAuditor(l, cfg)

		quarantine, err := netquarantine.New(nil, cfg.QuarantineCommands())
		if err != nil {
			l.Fatal(fmt.Errorf("build quarantine runtime: %w", err))
		}

		arbiterCfg := cfg.ArbiterConfig()
		arbiterCfg.ShapingViable = arbiterCfg.ShapingViable && quarantine.Shapes()
		arb := arbiter.New(arbiterCfg)
		overrides, err := cfg.DeviceOverrides()
		if err != nil {
			l.Fatal(fmt.Errorf("parse criticality overrides: %w", err))
		}
		for id, tier := range overrides {
			arb.OverrideCriticality(id, tier)
		}

		var shaper isolation.Shaper
		if quarantine.Shapes() {
			shaper = quarantine
		}
		engine := isolation.NewEngine(quarantine, shaper, arb, auditor, events, cfg.IsolationConfig())

		store := twinguard.NewTwinStore(events)
		model := phenotype.NewModel(events)
		sched := scheduler.New(cfg.SchedulerConfig(), store, model, engine, arb, events)

		l.Fork("telemetry-feed", twinguard.TelemetryFeed{Subscription: telemetry}.Stream(sched.Offer))
		if cfg.MQTT.Enabled {
			collector, err := mqttfeed.NewCollector(cfg.MQTTFeedConfig(), sched.Offer)
			if err != nil {
				l.Fatal(fmt.Errorf("build mqtt collector: %w", err))
			}
			l.Fork("mqtt-feed", collector.Stream())
		}
		l.Fork("scheduler", sched.Run())
		l.Fork("config-watch", config.Watch(*configPath, func(next *config.Config) error {
			// Only the administrative overrides are hot-applied; endpoint and
			// cadence changes take effect on the next restart.
			if err := next.RegisterClasses(); err != nil {
				return err
			}
			overrides, err := next.DeviceOverrides()
			if err != nil {
				return err
			}
			for id, tier := range overrides {
				arb.OverrideCriticality(id, tier)
			}
			return nil
		}))

		l.Logf("Orchestrator running with %d registered class overrides", len(cfg.Classes))
	})
}

// buildAuditor assembles the audit fan-out: always the pubsub stream when a
// topic is configured, plus the Neo4j archive when enabled.
func buildAuditor(l *component.L, cfg *config.Config) twinguard.Auditor {
	var auditors twinguard.MultiAuditor

	if cfg.PubSub.Audit != "" {
		topic, err := pubsub.OpenTopic(l.Context(), cfg.PubSub.Audit)
		if err != nil {
			l.Fatal(fmt.Errorf("open audit topic %q: %w", cfg.PubSub.Audit, err))
		}
		l.CleanupBackground(topic.Shutdown)
		auditors = append(auditors, twinguard.TopicAuditor{Topic: topic})
	}

	if cfg.Audit.Enabled {
		driver, err := neo4j.NewDriverWithContext(cfg.Audit.URI,
			neo4j.BasicAuth(cfg.Audit.Username, cfg.Audit.Password, ""))
		if err != nil {
			l.Fatal(fmt.Errorf("open neo4j driver: %w", err))
		}
		l.CleanupContext(driver.Close)
		if err := neo4jaudit.Bootstrap(l.Context(), driver, cfg.Audit.Database); err != nil {
			l.Fatal(fmt.Errorf("bootstrap audit database: %w", err))
		}
		auditors = append(auditors, neo4jaudit.New(driver, cfg.Audit.Database))
	}

	if len(auditors) == 0 {
		return nil
	}
	return auditors
}
