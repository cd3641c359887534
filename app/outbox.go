package app

import (
	"fmt"
	"strings"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/outbox/kafka"
	"github.com/clinprecision/clinops-core/outbox/sns"
	"github.com/clinprecision/clinops-core/outbox/webhook"
	"github.com/clinprecision/clinops-core/serializer/protobuf"
)

// Routes converts the configured outbox routes.
func Routes(cfg *config.Config) []clinops.OutboxRoute {
	routes := make([]clinops.OutboxRoute, 0, len(cfg.Outbox.Routes))
	for _, r := range cfg.Outbox.Routes {
		route := clinops.OutboxRoute{
			Families:    r.Families,
			EventTypes:  r.EventTypes,
			Destination: r.Destination,
		}
		if r.Format == config.FormatProtobuf {
			route.Transform = protobuf.Transform
		}
		routes = append(routes, route)
	}
	return routes
}

// outbox registers the outbox projection and builds the relay. Each route
// prefix must have a publisher.
func (a *App) outbox(o *options, popts clinops.ProjectionOptions) error {
	cfg := a.cfg.Outbox
	if !cfg.Enabled || len(cfg.Routes) == 0 {
		return nil
	}

	publishers := map[string]clinops.Publisher{}
	add := func(p clinops.Publisher) {
		publishers[p.Destination()] = p
		a.publishers = append(a.publishers, p)
	}
	for _, p := range o.publishers {
		add(p)
	}

	for _, r := range cfg.Routes {
		prefix, _, _ := strings.Cut(r.Destination, ":")
		if _, ok := publishers[prefix]; ok {
			continue
		}
		switch prefix {
		case "kafka":
			add(kafka.New(kafka.WithBrokers(cfg.Kafka.Brokers...)))
		case "webhook":
			opts := []webhook.Option{webhook.WithTimeout(cfg.Webhook.Timeout)}
			if cfg.Webhook.SigningSecret != "" {
				opts = append(opts, webhook.WithSigningSecret(cfg.Webhook.SigningSecret))
			}
			add(webhook.New(opts...))
		case "sns":
			if o.snsClient == nil {
				return fmt.Errorf("app: outbox route %s needs an SNS client", r.Destination)
			}
			opts := []sns.Option{sns.WithClient(o.snsClient)}
			if cfg.SNS.MessageGroupID != "" {
				opts = append(opts, sns.WithMessageGroupID(cfg.SNS.MessageGroupID))
			}
			add(sns.New(opts...))
		default:
			return fmt.Errorf("app: no publisher for outbox route %s", r.Destination)
		}
	}

	p := clinops.NewOutboxProjection(a.backend.outbox, Routes(a.cfg), clinops.WithOutboxMaxAttempts(cfg.MaxAttempts))
	if err := a.Engine.RegisterAsync(p, popts); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	popt := []clinops.ProcessorOption{
		clinops.WithBatchSize(cfg.BatchSize),
		clinops.WithPollInterval(cfg.PollInterval),
		clinops.WithProcessorLogger(a.logger),
	}
	for _, pub := range a.publishers {
		popt = append(popt, clinops.WithPublisher(pub))
	}
	a.Outbox = clinops.NewOutboxProcessor(a.backend.outbox, popt...)
	return nil
}
