package cmd

import (
	"fmt"

	"github.com/cloudquill/azure-agent/internal/mcp"
	"github.com/cloudquill/azure-agent/internal/signal"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools discovered from the Azure MCP server",
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := mcp.NewClient(mcp.ServerConfig{
		Command:        cfg.AzureMCP.Command,
		Namespaces:     cfg.AzureMCP.Namespaces,
		ReadOnly:       cfg.AzureMCP.ReadOnly,
		TenantID:       cfg.AzureMCP.TenantID,
		ClientID:       cfg.AzureMCP.ClientID,
		ClientSecret:   cfg.AzureMCP.ClientSecret,
		SubscriptionID: cfg.AzureMCP.SubscriptionID,
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	tools := client.Tools()
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	fmt.Printf("%d tools available:\n\n", len(tools))
	for _, t := range tools {
		fmt.Printf("  %s\n", t.Name)
		if t.Description != "" {
			fmt.Printf("      %s\n", t.Description)
		}
	}
	return nil
}
