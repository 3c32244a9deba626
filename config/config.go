// Package config implements the RpcBuilder configuration surface of
// spec.md §6: hostname, debug level, per-transport listen ports, TLS
// cert/key paths, static root directory, SSR handler directory, and
// which transports are enabled.
//
// Grounded on the teacher's server.Config/DefaultConfig value struct
// (server/types.go) paired with functional ServerOption setters
// (server/options.go): RpcBuilder plays the same role server.Server's
// opts ...ServerOption plays, but as its own named builder rather than
// options applied inside a constructor, since spec.md names RpcBuilder
// as a standalone configuration object threaded into several
// components (ORB, listeners), not just one Server.
//
// License: Apache-2.0
package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugLevel selects how verbosely the runtime logs request traffic
// (spec §6: "debug_level ∈ {none, critical, every_call,
// every_message_content}").
type DebugLevel int

const (
	DebugNone DebugLevel = iota
	DebugCritical
	DebugEveryCall
	DebugEveryMessageContent
)

func (d DebugLevel) String() string {
	switch d {
	case DebugNone:
		return "none"
	case DebugCritical:
		return "critical"
	case DebugEveryCall:
		return "every_call"
	case DebugEveryMessageContent:
		return "every_message_content"
	default:
		return "unknown"
	}
}

// ZapLevel maps a DebugLevel onto the zap leveled-logging gate
// [EXPANSION, SPEC_FULL.md §1 ambient stack note]: none logs only
// genuine errors, critical adds warnings, every_call adds per-request
// info lines, and every_message_content additionally unlocks debug-level
// payload dumps.
func (d DebugLevel) ZapLevel() zapcore.Level {
	switch d {
	case DebugNone:
		return zapcore.ErrorLevel
	case DebugCritical:
		return zapcore.WarnLevel
	case DebugEveryCall:
		return zapcore.InfoLevel
	case DebugEveryMessageContent:
		return zapcore.DebugLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Transport is a bitmask selecting which transports a listening process
// brings up (spec §6: "enabled-transport flags").
type Transport int

const (
	TransportTCP Transport = 1 << iota
	TransportWS
	TransportUDP
	TransportSHM
	TransportQUIC
)

// AllTransports enables every transport this core implements; QUIC is
// included for completeness even though constructing a session over it
// always fails at dial time (spec §6 EXPANSION, wire.SchemeQUIC has no
// session implementation).
const AllTransports = TransportTCP | TransportWS | TransportUDP | TransportSHM | TransportQUIC

// Has reports whether t is set in the mask.
func (m Transport) Has(t Transport) bool { return m&t != 0 }

// Config is the resolved, immutable configuration an application threads
// into orb.Runtime construction and its transport listeners (spec §6).
type Config struct {
	Hostname   string
	DebugLevel DebugLevel

	TCPPort  int
	HTTPPort int
	UDPPort  int
	WSPort   int
	QUICPort int

	TLSCertPath string
	TLSKeyPath  string

	StaticRoot    string
	SSRHandlerDir string

	EnabledTransports Transport
}

// DefaultConfig returns the baseline configuration every RpcBuilder
// starts from, grounded on server.DefaultConfig's same role.
func DefaultConfig() *Config {
	return &Config{
		Hostname:          "localhost",
		DebugLevel:        DebugNone,
		TCPPort:           9000,
		HTTPPort:          8080,
		UDPPort:           9001,
		WSPort:            9002,
		QUICPort:          9003,
		EnabledTransports: TransportTCP | TransportWS | TransportSHM,
	}
}

// Logger builds a *zap.SugaredLogger gated at c.DebugLevel's mapped zap
// level, for callers that don't already have one of their own to thread
// through (spec §1 EXPANSION: "never a package-level global logger" —
// this is still constructed explicitly by the caller, not cached here).
func (c *Config) Logger() (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(c.DebugLevel.ZapLevel())
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// TLSEnabled reports whether both cert and key paths are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}
