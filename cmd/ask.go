package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var askSession string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from your indexed notes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "default", "conversation session id")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	question := strings.Join(args, " ")
	ans, err := a.coordinator.Ask(ctx, askSession, question)
	if err != nil {
		return err
	}

	fmt.Println(ans.Text)
	if len(ans.Passages) > 0 {
		fmt.Println("\nSources:")
		seen := make(map[string]bool)
		for _, p := range ans.Passages {
			key := p.Citation.URL
			if key == "" {
				key = p.Citation.ItemID
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			fmt.Printf("  - %s (%s)\n", p.Citation.Title, p.Citation.URL)
		}
	}
	return nil
}
