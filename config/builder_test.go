package config_test

import (
	"testing"

	"github.com/nprpc/nprpc-go/config"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NotEmpty(t, cfg.Hostname)
	require.Equal(t, config.DebugNone, cfg.DebugLevel)
	require.True(t, cfg.EnabledTransports.Has(config.TransportTCP))
	require.True(t, cfg.EnabledTransports.Has(config.TransportWS))
	require.True(t, cfg.EnabledTransports.Has(config.TransportSHM))
	require.False(t, cfg.EnabledTransports.Has(config.TransportUDP))
	require.False(t, cfg.TLSEnabled())
}

func TestRpcBuilderAppliesOptions(t *testing.T) {
	cfg := config.NewRpcBuilder().Apply(
		config.WithHostname("echo.example"),
		config.WithDebugLevel(config.DebugEveryCall),
		config.WithTCPPort(7000),
		config.WithHTTPPort(7001),
		config.WithUDPPort(7002),
		config.WithWSPort(7003),
		config.WithQUICPort(7004),
		config.WithTLS("cert.pem", "key.pem"),
		config.WithStaticRoot("/srv/static"),
		config.WithSSRHandlerDir("/srv/ssr"),
		config.WithTransports(config.TransportTCP|config.TransportUDP),
	).Build()

	require.Equal(t, "echo.example", cfg.Hostname)
	require.Equal(t, config.DebugEveryCall, cfg.DebugLevel)
	require.Equal(t, 7000, cfg.TCPPort)
	require.Equal(t, 7001, cfg.HTTPPort)
	require.Equal(t, 7002, cfg.UDPPort)
	require.Equal(t, 7003, cfg.WSPort)
	require.Equal(t, 7004, cfg.QUICPort)
	require.True(t, cfg.TLSEnabled())
	require.Equal(t, "/srv/static", cfg.StaticRoot)
	require.Equal(t, "/srv/ssr", cfg.SSRHandlerDir)
	require.True(t, cfg.EnabledTransports.Has(config.TransportTCP))
	require.True(t, cfg.EnabledTransports.Has(config.TransportUDP))
	require.False(t, cfg.EnabledTransports.Has(config.TransportWS))
}

func TestRpcBuilderBuildSnapshotsAreIndependent(t *testing.T) {
	b := config.NewRpcBuilder()
	first := b.Build()
	b.Apply(config.WithHostname("changed"))
	second := b.Build()

	require.NotEqual(t, first.Hostname, second.Hostname)
}

func TestDebugLevelStringAndZapLevel(t *testing.T) {
	require.Equal(t, "none", config.DebugNone.String())
	require.Equal(t, "critical", config.DebugCritical.String())
	require.Equal(t, "every_call", config.DebugEveryCall.String())
	require.Equal(t, "every_message_content", config.DebugEveryMessageContent.String())

	require.True(t, config.DebugNone.ZapLevel() > config.DebugEveryCall.ZapLevel())
	require.True(t, config.DebugEveryCall.ZapLevel() > config.DebugEveryMessageContent.ZapLevel())
}

func TestConfigLoggerBuildsWithoutError(t *testing.T) {
	cfg := config.DefaultConfig()
	log, err := cfg.Logger()
	require.NoError(t, err)
	require.NotNil(t, log)
}
