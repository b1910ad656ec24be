// Package config holds the structural configuration the gateway
// supervisor is handed at construction. The core never reads files or
// flags itself (spec §1, §6: "deliberately external; see collaborators")
// — config.Daemon is the shape a collaborator (CLI, file loader) fills in
// and passes to internal/gateway, validated the way the pack's dittofs
// validates inbound structs.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SpanConfig names one physical D-channel's HAL binding and, if it
// participates in NFAS, its group.
type SpanConfig struct {
	Label     string `validate:"required"`
	Interface string `validate:"required"`
	GroupID   string // empty if not part of an NFAS group
}

// NFASGroupConfig configures one NFAS group (spec §4.F).
type NFASGroupConfig struct {
	GroupID                   string        `validate:"required"`
	SpanLabels                []string      `validate:"required,min=1"`
	HeartbeatInterval         time.Duration `validate:"required"`
	SwitchoverTimeout         time.Duration `validate:"required"`
	HeartbeatFailureThreshold int           `validate:"min=1"`
	MaxSwitchoverAttempts     int           `validate:"min=1"`
}

// CICRangeConfig is the ISUP CIC pool's bounds (spec §4.E).
type CICRangeConfig struct {
	Min uint16 `validate:"required"`
	Max uint16 `validate:"gtefield=Min"`
}

// RTPPortRangeConfig is the RTP/RTCP port pool's bounds (spec §4.I).
type RTPPortRangeConfig struct {
	Min uint16 `validate:"required"`
	Max uint16 `validate:"gtefield=Min"`
}

// Daemon is the complete configuration for one redfire-gatewayd process.
type Daemon struct {
	Spans        []SpanConfig      `validate:"required,min=1,dive"`
	NFASGroups   []NFASGroupConfig `validate:"dive"`
	CICRange     CICRangeConfig    `validate:"required"`
	RTPPortRange RTPPortRangeConfig `validate:"required"`
	Variant      string            `validate:"required,oneof=ITU ETSI NI2 5ESS DMS-100 AXE EWSD"`
	LogLevel     string            `validate:"omitempty,oneof=debug info warn error"`
}

// Validate structurally checks d, returning every violation aggregated
// by go-playground/validator rather than only the first.
func (d Daemon) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("config: invalid daemon configuration: %w", err)
	}
	for _, g := range d.NFASGroups {
		if len(g.SpanLabels) < 1 {
			return fmt.Errorf("config: NFAS group %s has no spans", g.GroupID)
		}
	}
	return nil
}

// DefaultLogLevel is used when LogLevel is left empty.
const DefaultLogLevel = "info"

// EffectiveLogLevel returns d.LogLevel, or DefaultLogLevel if unset.
func (d Daemon) EffectiveLogLevel() string {
	if d.LogLevel == "" {
		return DefaultLogLevel
	}
	return d.LogLevel
}
