package mcp

// ServerConfig describes how to launch the Azure MCP server subprocess and
// which credentials it inherits.
type ServerConfig struct {
	// Command is the azmcp binary to launch.
	Command string

	// Namespaces limits which Azure tool namespaces the server enables
	// (e.g. "storage", "keyvault"). Empty means all namespaces.
	Namespaces []string

	// ReadOnly restricts the server to read-only operations.
	ReadOnly bool

	// Service principal credentials, passed to the subprocess as AZURE_*
	// environment variables. Values must never be logged.
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
}

// args builds the azmcp command line for the configured scope.
func (c ServerConfig) args() []string {
	args := []string{"server", "start"}
	for _, ns := range c.Namespaces {
		args = append(args, "--namespace", ns)
	}
	if c.ReadOnly {
		args = append(args, "--read-only")
	}
	return args
}

// env builds the credential environment for the subprocess.
func (c ServerConfig) env() []string {
	return []string{
		"AZURE_TENANT_ID=" + c.TenantID,
		"AZURE_CLIENT_ID=" + c.ClientID,
		"AZURE_CLIENT_SECRET=" + c.ClientSecret,
		"AZURE_SUBSCRIPTION_ID=" + c.SubscriptionID,
	}
}
