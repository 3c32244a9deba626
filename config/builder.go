package config

// Option mutates a Config under construction, matching the teacher's
// ServerOption shape (server/options.go) but operating on the plain
// value RpcBuilder carries rather than reaching into a live Server.
type Option func(*Config)

// WithHostname overrides the advertised hostname.
func WithHostname(h string) Option {
	return func(c *Config) { c.Hostname = h }
}

// WithDebugLevel overrides the logging verbosity.
func WithDebugLevel(l DebugLevel) Option {
	return func(c *Config) { c.DebugLevel = l }
}

// WithTCPPort overrides the TCP listener port.
func WithTCPPort(port int) Option {
	return func(c *Config) { c.TCPPort = port }
}

// WithHTTPPort overrides the static/SSR HTTP listener port.
func WithHTTPPort(port int) Option {
	return func(c *Config) { c.HTTPPort = port }
}

// WithUDPPort overrides the UDP datagram listener port.
func WithUDPPort(port int) Option {
	return func(c *Config) { c.UDPPort = port }
}

// WithWSPort overrides the WebSocket listener port.
func WithWSPort(port int) Option {
	return func(c *Config) { c.WSPort = port }
}

// WithQUICPort overrides the QUIC listener port.
func WithQUICPort(port int) Option {
	return func(c *Config) { c.QUICPort = port }
}

// WithTLS sets the certificate and key paths used by the HTTP and WSS
// listeners; TLS termination itself remains the caller's/a reverse
// proxy's concern (spec §1 Non-goals), this only records where the
// material lives.
func WithTLS(certPath, keyPath string) Option {
	return func(c *Config) {
		c.TLSCertPath = certPath
		c.TLSKeyPath = keyPath
	}
}

// WithStaticRoot sets the directory the HTTP listener serves static
// assets from.
func WithStaticRoot(dir string) Option {
	return func(c *Config) { c.StaticRoot = dir }
}

// WithSSRHandlerDir sets the directory holding server-side-render
// handler assets.
func WithSSRHandlerDir(dir string) Option {
	return func(c *Config) { c.SSRHandlerDir = dir }
}

// WithTransports replaces the enabled-transport mask outright.
func WithTransports(mask Transport) Option {
	return func(c *Config) { c.EnabledTransports = mask }
}

// RpcBuilder is the mutable configuration object spec.md §6 names
// directly: an application builds one, applies options, and Build()s
// the immutable Config it threads into orb.Runtime construction and its
// transport listeners.
type RpcBuilder struct {
	cfg Config
}

// NewRpcBuilder starts from DefaultConfig.
func NewRpcBuilder() *RpcBuilder {
	return &RpcBuilder{cfg: *DefaultConfig()}
}

// Apply folds opts into the builder's config in order, returning the
// builder for chaining.
func (b *RpcBuilder) Apply(opts ...Option) *RpcBuilder {
	for _, opt := range opts {
		opt(&b.cfg)
	}
	return b
}

// Build returns a snapshot Config; further Apply calls on b do not
// affect a previously built value.
func (b *RpcBuilder) Build() *Config {
	cfg := b.cfg
	return &cfg
}
