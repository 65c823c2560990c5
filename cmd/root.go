package cmd

import (
	"fmt"
	"os"

	"github.com/cloudquill/azure-agent/internal/agent"
	"github.com/cloudquill/azure-agent/internal/config"
	"github.com/cloudquill/azure-agent/internal/llm"
	"github.com/cloudquill/azure-agent/internal/mcp"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "azure-agent",
	Short: "Answer questions about your Azure resources in natural language",
	Long: `azure-agent connects an Azure OpenAI deployment to the Azure MCP
server and lets the model inspect your cloud resources with tools.

Examples:
  azure-agent serve                           # run the HTTP API
  azure-agent ask "list my storage accounts"  # one-shot question
  azure-agent tools                           # show the discovered tool catalog`,
	Version:           Version,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration. Startup fails before any
// network activity when a required value is missing.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildAgent wires the completion provider and the tool provider client from
// configuration. The caller owns the returned MCP client and must Close it.
func buildAgent(cfg *config.Config) (*agent.Agent, *mcp.Client) {
	provider := llm.NewAzureProvider(
		cfg.AzureOpenAI.Endpoint,
		cfg.AzureOpenAI.APIKey,
		cfg.AzureOpenAI.APIVersion,
		cfg.AzureOpenAI.Deployment,
	)
	client := mcp.NewClient(mcp.ServerConfig{
		Command:        cfg.AzureMCP.Command,
		Namespaces:     cfg.AzureMCP.Namespaces,
		ReadOnly:       cfg.AzureMCP.ReadOnly,
		TenantID:       cfg.AzureMCP.TenantID,
		ClientID:       cfg.AzureMCP.ClientID,
		ClientSecret:   cfg.AzureMCP.ClientSecret,
		SubscriptionID: cfg.AzureMCP.SubscriptionID,
	})
	a := agent.New(provider, client, agent.Options{
		SystemPrompt:      cfg.Agent.SystemPrompt,
		MaxRounds:         cfg.Agent.MaxRounds,
		CompletionTimeout: cfg.Timeouts.Completion,
		ToolTimeout:       cfg.Timeouts.Tool,
	})
	return a, client
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
