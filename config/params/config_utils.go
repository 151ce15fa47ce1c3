package params

var proxyConfig = MainnetConfig()

// ProxyConfig retrieves the active proxy configuration.
func ProxyConfig() *ProxyChainConfig {
	return proxyConfig
}

// OverrideProxyConfig replaces the active config. The preferred pattern is to
// take a Copy() of ProxyConfig(), change the specific parameters, and then
// call OverrideProxyConfig(c). Any subsequent calls to params.ProxyConfig()
// return the new configuration.
func OverrideProxyConfig(c *ProxyChainConfig) {
	proxyConfig = c
}

// SetupTestConfigCleanup preserves the active config and restores it when the
// test finishes, so tests can override parameters freely.
func SetupTestConfigCleanup(t interface{ Cleanup(func()) }) {
	prev := proxyConfig
	t.Cleanup(func() {
		proxyConfig = prev
	})
}
