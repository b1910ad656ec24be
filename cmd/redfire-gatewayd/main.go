// Command redfire-gatewayd is the minimal bootstrap entrypoint for the
// signaling core (spec §1 "Operational scaffolding... deliberately
// external"): it loads a JSON config file, wires one hal.EthernetSpan per
// configured span, and runs the gateway supervisor until a shutdown
// signal arrives. A real deployment's SIP transaction layer and SIGTRAN
// feed are separate collaborator processes (§6); this binary only proves
// the core wires up and drains TDM traffic, logging what it would hand
// off to them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/carrierone/redfire-gateway/internal/config"
	"github.com/carrierone/redfire-gateway/internal/gateway"
	"github.com/carrierone/redfire-gateway/internal/hal"
	"github.com/carrierone/redfire-gateway/internal/isup"
	"github.com/carrierone/redfire-gateway/internal/logger"
	"github.com/carrierone/redfire-gateway/internal/sip"
)

func main() {
	configPath := flag.String("config", "", "path to the daemon's JSON configuration file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "redfire-gatewayd: -config is required")
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redfire-gatewayd: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.EffectiveLogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logger.New("redfire-gatewayd", level)

	spans, err := buildSpans(cfg, log)
	if err != nil {
		log.Error("failed to bring up HAL spans", logger.Ctx{"err": err})
		os.Exit(1)
	}
	defer closeSpans(spans)

	gw, err := gateway.New(cfg, spans, loggingSIPTransport{log}, loggingISUPSender{log}, nil, log)
	if err != nil {
		log.Error("failed to build gateway", logger.Ctx{"err": err})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()

	log.Info("redfire-gatewayd running", logger.Ctx{"spans": len(spans), "variant": cfg.Variant})
	<-sigCh
	signal.Stop(sigCh)
	log.Info("shutdown signal received, draining")
	cancel()
	<-done
	log.Info("redfire-gatewayd stopped")
}

func loadConfig(path string) (config.Daemon, error) {
	f, err := os.Open(path)
	if err != nil {
		return config.Daemon{}, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	var cfg config.Daemon
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return config.Daemon{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Daemon{}, err
	}
	return cfg, nil
}

// buildSpans brings up one hal.EthernetSpan per configured span (spec §6
// "E1/T1 carried over Ethernet"). dstMAC is left as the broadcast address
// here; a production deployment supplies the peer's MAC via config.
func buildSpans(cfg config.Daemon, log *logger.Logger) (map[string]hal.Span, error) {
	broadcast := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	spans := make(map[string]hal.Span, len(cfg.Spans))
	for _, sc := range cfg.Spans {
		span, err := hal.NewEthernetSpan(sc.Label, sc.Interface, broadcast, log.With(logger.Ctx{"span": sc.Label}))
		if err != nil {
			closeSpans(spans)
			return nil, fmt.Errorf("failed to bring up span %s: %w", sc.Label, err)
		}
		spans[sc.Label] = span
	}
	return spans, nil
}

func closeSpans(spans map[string]hal.Span) {
	for _, span := range spans {
		_ = span.Close()
	}
}

// loggingSIPTransport stands in for the SIP collaborator (§6: out of
// scope), logging what would otherwise be handed to a real transaction
// layer.
type loggingSIPTransport struct{ log *logger.Logger }

func (t loggingSIPTransport) Send(msg sip.Message) error {
	t.log.Info("would send SIP message to collaborator", logger.Ctx{"method": msg.Method, "status": msg.StatusCode})
	return nil
}

// loggingISUPSender stands in for the SIGTRAN collaborator (§6: out of
// scope).
type loggingISUPSender struct{ log *logger.Logger }

func (s loggingISUPSender) SendMessage(msg isup.Message) error {
	s.log.Info("would send ISUP message to SIGTRAN collaborator", logger.Ctx{"type": msg.Type, "cic": msg.CIC})
	return nil
}
