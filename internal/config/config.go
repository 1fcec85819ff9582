// Package config loads the server's XML configuration file (spec.md §6),
// translates it into the types the rest of the core consumes directly
// (server.TLSConfig, notifier.Config, the rules package's AlertLevel trees),
// and watches it for changes. Grounded on the teacher's config.go
// Load/defaults/validate shape (agent/internal/config/config.go), adapted
// from YAML struct tags to a hand-written XML decode because the rule
// grammar is a tagged union encoding/xml's struct tags cannot express on
// their own (see xml.go).
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/alertr/alertrd/internal/notifier"
	"github.com/alertr/alertrd/internal/rules"
	"github.com/alertr/alertrd/internal/server"
)

// Default values applied when optional fields are absent from the file.
const (
	DefaultServerPort          = 12345
	DefaultReceiveTimeout      = 20 * time.Second
	DefaultConnectionTimeout   = 30 * time.Second
	DefaultManagerForcedInterval = 60 * time.Second
	DefaultLogLevel            = "info"
)

// Config is the fully parsed, validated, ready-to-wire configuration.
type Config struct {
	LogFile  string
	LogLevel string

	ServerAddr string
	TLS        server.TLSConfig

	UserBackendFile string

	StorageMethod   string // "sqlite" | "mysql"
	StorageDSN      string

	Notifier notifier.Config

	ConnectionTimeout   time.Duration
	ReceiveTimeout      time.Duration
	ManagerForcedInterval time.Duration

	AlertLevels []*rules.AlertLevel
}

// Load reads, parses, defaults and validates the XML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	var doc documentXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse xml: %w", err)
	}

	cfg, err := translate(doc)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.ManagerForcedInterval == 0 {
		cfg.ManagerForcedInterval = DefaultManagerForcedInterval
	}
}

// translate maps the XML document shape onto Config and the rules package's
// tree types. Structural errors here (bad rule grammar, missing required
// attributes) surface as configuration-fatal errors (spec.md §7).
func translate(doc documentXML) (*Config, error) {
	cfg := &Config{
		LogFile:  doc.General.Log.File,
		LogLevel: doc.General.Log.Level,

		ServerAddr: fmt.Sprintf(":%d", doc.General.Server.Port),
		TLS: server.TLSConfig{
			CertFile: doc.General.Server.CertFile,
			KeyFile:  doc.General.Server.KeyFile,
		},

		UserBackendFile: doc.Storage.UserBackend.File,
		StorageMethod:   doc.Storage.StorageBackend.Method,

		Notifier: notifier.Config{
			Activated: doc.SMTP.General.Activated,
			FromAddr:  doc.SMTP.General.FromAddr,
			ToAddr:    doc.SMTP.General.ToAddr,
			Host:      doc.SMTP.Server.Host,
			Port:      doc.SMTP.Server.Port,
			Username:  doc.SMTP.Server.Username,
			Password:  doc.SMTP.Server.Password,
		},
	}

	if doc.General.Client.UseClientCertificates {
		cfg.TLS.ClientCA = doc.General.Client.ClientCAFile
	}

	cfg.StorageDSN = storageDSN(doc.Storage.StorageBackend)

	levels := make([]*rules.AlertLevel, 0, len(doc.AlertLevels.AlertLevel))
	for _, lvl := range doc.AlertLevels.AlertLevel {
		level, err := translateAlertLevel(lvl)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	cfg.AlertLevels = levels

	return cfg, nil
}

func storageDSN(b storageBackendXML) string {
	switch b.Method {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", b.Username, b.Password, b.Host, b.Port, b.Database)
	default: // sqlite
		return b.Path
	}
}

func translateAlertLevel(lvl alertLevelXML) (*rules.AlertLevel, error) {
	level := &rules.AlertLevel{
		Level:          lvl.General.Level,
		Name:           lvl.General.Name,
		TriggerAlways:  lvl.General.TriggerAlways,
		SMTPActivated:  lvl.SMTP.EmailAlert,
		ToAddr:         lvl.SMTP.ToAddr,
		RulesActivated: lvl.Rules.Activated,
	}

	ruleStarts := make([]*rules.RuleStart, 0, len(lvl.Rules.Rule))
	for _, r := range lvl.Rules.Rule {
		start, err := translateRuleStart(r)
		if err != nil {
			return nil, fmt.Errorf("alert level %d: %w", lvl.General.Level, err)
		}
		ruleStarts = append(ruleStarts, start)
	}
	sort.Slice(ruleStarts, func(i, j int) bool { return ruleStarts[i].Order < ruleStarts[j].Order })
	level.Rules = ruleStarts

	return level, nil
}

func translateRuleStart(r ruleXML) (*rules.RuleStart, error) {
	body, err := translateElement(r.Body)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.Order, err)
	}
	return &rules.RuleStart{
		Order:            r.Order,
		MinTimeAfterPrev: r.MinTimeAfterPrev,
		MaxTimeAfterPrev: r.MaxTimeAfterPrev,
		CounterActivated: r.CounterActivated,
		CounterLimit:     r.CounterLimit,
		CounterWaitTime:  r.CounterWaitTime,
		Body:             body,
	}, nil
}

func translateElement(e ruleElementXML) (*rules.RuleElement, error) {
	switch e.Kind {
	case "and", "or", "not":
		if e.Kind == "not" && len(e.Children) != 1 {
			return nil, fmt.Errorf("not must have exactly one child, got %d", len(e.Children))
		}
		if e.Kind != "not" && len(e.Children) == 0 {
			return nil, fmt.Errorf("%s must have at least one child", e.Kind)
		}
		children := make([]*rules.RuleElement, 0, len(e.Children))
		for _, c := range e.Children {
			child, err := translateElement(c)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		op := rules.OpAnd
		switch e.Kind {
		case "or":
			op = rules.OpOr
		case "not":
			op = rules.OpNot
		}
		return &rules.RuleElement{Kind: rules.KindBoolean, Boolean: &rules.RuleBoolean{Op: op, Children: children}}, nil

	case "sensor":
		return &rules.RuleElement{
			Kind:             rules.KindSensor,
			Sensor:           &rules.RuleSensor{Username: e.Username, RemoteSensorID: e.RemoteSensorID},
			TimeTriggeredFor: e.TimeTriggeredFor,
		}, nil

	case "weekday":
		return &rules.RuleElement{Kind: rules.KindWeekday, Weekday: &rules.RuleWeekday{Zone: parseZone(e.Zone), Weekday: e.Weekday}}, nil

	case "monthday":
		return &rules.RuleElement{Kind: rules.KindMonthday, Monthday: &rules.RuleMonthday{Zone: parseZone(e.Zone), Monthday: e.Monthday}}, nil

	case "hour":
		return &rules.RuleElement{Kind: rules.KindHour, Hour: &rules.RuleHour{Zone: parseZone(e.Zone), Start: e.HourStart, End: e.HourEnd}}, nil

	case "minute":
		return &rules.RuleElement{Kind: rules.KindMinute, Minute: &rules.RuleMinute{Start: e.MinuteStart, End: e.MinuteEnd}}, nil

	case "second":
		return &rules.RuleElement{Kind: rules.KindSecond, Second: &rules.RuleSecond{Start: e.SecondStart, End: e.SecondEnd}}, nil

	default:
		return nil, fmt.Errorf("unknown rule element kind %q", e.Kind)
	}
}

func parseZone(s string) rules.TimeZone {
	if s == "utc" {
		return rules.UTC
	}
	return rules.Local
}

// validate checks the structural and range invariants spec.md §3 and §7
// name as configuration-fatal: numeric ranges, duplicate identifiers, and
// the presence of referenced files.
func validate(cfg *Config) error {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return fmt.Errorf("general/server: certFile and keyFile are required")
	}
	if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
		return fmt.Errorf("general/server: certFile: %w", err)
	}
	if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
		return fmt.Errorf("general/server: keyFile: %w", err)
	}
	if cfg.TLS.ClientCA != "" {
		if _, err := os.Stat(cfg.TLS.ClientCA); err != nil {
			return fmt.Errorf("general/client: clientCAFile: %w", err)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("general/log: unknown level %q", cfg.LogLevel)
	}

	switch cfg.StorageMethod {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("storage/storageBackend: unknown method %q", cfg.StorageMethod)
	}

	if cfg.UserBackendFile == "" {
		return fmt.Errorf("storage/userBackend: file is required")
	}
	if _, err := os.Stat(cfg.UserBackendFile); err != nil {
		return fmt.Errorf("storage/userBackend: file: %w", err)
	}

	seenLevels := make(map[int]bool, len(cfg.AlertLevels))
	for _, lvl := range cfg.AlertLevels {
		if seenLevels[lvl.Level] {
			return fmt.Errorf("alertLevels: duplicate level %d", lvl.Level)
		}
		seenLevels[lvl.Level] = true

		if err := validateAlertLevel(lvl); err != nil {
			return fmt.Errorf("alertLevels: level %d: %w", lvl.Level, err)
		}
	}

	return nil
}

func validateAlertLevel(lvl *rules.AlertLevel) error {
	seenOrder := make(map[int]bool, len(lvl.Rules))
	for _, r := range lvl.Rules {
		if seenOrder[r.Order] {
			return fmt.Errorf("duplicate rule order %d", r.Order)
		}
		seenOrder[r.Order] = true

		if r.MinTimeAfterPrev > r.MaxTimeAfterPrev {
			return fmt.Errorf("rule %d: minTimeAfterPrev > maxTimeAfterPrev", r.Order)
		}
		if r.CounterActivated && r.CounterLimit < 0 {
			return fmt.Errorf("rule %d: counterLimit must be >= 0", r.Order)
		}
		if err := validateElement(r.Body); err != nil {
			return fmt.Errorf("rule %d: %w", r.Order, err)
		}
	}
	return nil
}

func validateElement(e *rules.RuleElement) error {
	switch e.Kind {
	case rules.KindBoolean:
		for _, c := range e.Boolean.Children {
			if err := validateElement(c); err != nil {
				return err
			}
		}
	case rules.KindHour:
		if e.Hour.Start > e.Hour.End || e.Hour.Start < 0 || e.Hour.End > 23 {
			return fmt.Errorf("hour range out of bounds")
		}
	case rules.KindMinute:
		if e.Minute.Start > e.Minute.End || e.Minute.Start < 0 || e.Minute.End > 59 {
			return fmt.Errorf("minute range out of bounds")
		}
	case rules.KindSecond:
		if e.Second.Start > e.Second.End || e.Second.Start < 0 || e.Second.End > 59 {
			return fmt.Errorf("second range out of bounds")
		}
	case rules.KindWeekday:
		if e.Weekday.Weekday < 0 || e.Weekday.Weekday > 6 {
			return fmt.Errorf("weekday out of bounds")
		}
	case rules.KindMonthday:
		if e.Monthday.Monthday < 1 || e.Monthday.Monthday > 31 {
			return fmt.Errorf("monthday out of bounds")
		}
	}
	return nil
}
