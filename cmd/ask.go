package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudquill/azure-agent/internal/agent"
	"github.com/cloudquill/azure-agent/internal/signal"
	"github.com/spf13/cobra"
)

var askNoStream bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask a one-shot question about your Azure resources.

Examples:
  azure-agent ask "What storage accounts do I have?"
  azure-agent ask "Which resource groups are in westeurope?"
  azure-agent ask --no-stream "Summarize my subscriptions"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAskCmd,
}

func init() {
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "Print the full answer at once instead of streaming")
	rootCmd.AddCommand(askCmd)
}

func runAskCmd(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	ctx, stop := signal.NotifyContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ag, client := buildAgent(cfg)
	defer client.Close()

	if askNoStream {
		answer, err := ag.Run(ctx, nil, question)
		if err != nil {
			return askError(err)
		}
		fmt.Println(answer)
		return nil
	}

	stream := ag.RunStream(ctx, nil, question)
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Println()
			return askError(err)
		}
		fmt.Print(ev.Text)
	}
	fmt.Println()
	return nil
}

func askError(err error) error {
	if errors.Is(err, agent.ErrToolRoundsExceeded) {
		return fmt.Errorf("the model kept requesting tools without answering; try a narrower question")
	}
	return err
}
