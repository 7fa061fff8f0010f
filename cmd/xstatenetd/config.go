package main

import "time"

// daemonConfig is the top-level YAML/JSON configuration for
// xstatenetd, loaded via pkg/config.
type daemonConfig struct {
	AdminAddr string `yaml:"adminAddr" json:"adminAddr"`
	WSAddr    string `yaml:"wsAddr" json:"wsAddr"`

	Orchestrator struct {
		BusCount               int           `yaml:"busCount" json:"busCount"`
		MailboxCapacity        int           `yaml:"mailboxCapacity" json:"mailboxCapacity"`
		ShutdownGrace          time.Duration `yaml:"shutdownGrace" json:"shutdownGrace"`
		MaxEventlessMicrosteps int           `yaml:"maxEventlessMicrosteps" json:"maxEventlessMicrosteps"`
		EnableAdaptiveTimeout  bool          `yaml:"enableAdaptiveTimeout" json:"enableAdaptiveTimeout"`
		DLQCapacity            int           `yaml:"dlqCapacity" json:"dlqCapacity"`
		RequireSignedGroups    bool          `yaml:"requireSignedGroups" json:"requireSignedGroups"`
	} `yaml:"orchestrator" json:"orchestrator"`

	NATS struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		URL     string `yaml:"url" json:"url"`
		Prefix  string `yaml:"prefix" json:"prefix"`
	} `yaml:"nats" json:"nats"`

	Persistence struct {
		Driver string `yaml:"driver" json:"driver"` // memory|file|sqlite|postgres-pgx|postgres-libpq
		DSN    string `yaml:"dsn" json:"dsn"`
	} `yaml:"persistence" json:"persistence"`

	AuditLogDir string `yaml:"auditLogDir" json:"auditLogDir"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled" json:"enabled"`
		ServiceName string `yaml:"serviceName" json:"serviceName"`
		PrettyPrint bool   `yaml:"prettyPrint" json:"prettyPrint"`
	} `yaml:"tracing" json:"tracing"`

	Logging struct {
		JSON  bool   `yaml:"json" json:"json"`
		Level string `yaml:"level" json:"level"`
	} `yaml:"logging" json:"logging"`
}

func defaultDaemonConfig() daemonConfig {
	var c daemonConfig
	c.AdminAddr = ":8080"
	c.WSAddr = ":8081"
	c.Orchestrator.BusCount = 4
	c.Orchestrator.MailboxCapacity = 10000
	c.Orchestrator.ShutdownGrace = 5 * time.Second
	c.Orchestrator.MaxEventlessMicrosteps = 100
	c.Orchestrator.DLQCapacity = 10000
	c.NATS.Prefix = "xstatenet"
	c.Persistence.Driver = "memory"
	c.Logging.Level = "info"
	c.Tracing.ServiceName = "xstatenetd"
	return c
}
