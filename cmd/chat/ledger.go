package main

import (
	"encoding/json"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

type exchangeView struct {
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	Model        string `json:"model"`
	MessageCount int    `json:"messageCount"`
	StatusCode   int    `json:"statusCode"`
	Outcome      string `json:"outcome"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	StartedAt    string `json:"startedAt"`
	LatencyMs    int64  `json:"latencyMs"`
}

func viewOf(ex domain.Exchange) exchangeView {
	return exchangeView{
		ID:           ex.ID,
		Mode:         ex.Mode,
		Model:        ex.Model,
		MessageCount: ex.MessageCount,
		StatusCode:   ex.StatusCode,
		Outcome:      ex.Outcome,
		ErrorMessage: ex.ErrorMessage,
		StartedAt:    ex.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		LatencyMs:    ex.Latency.Milliseconds(),
	}
}

func newLedgerCmd() *cobra.Command {
	var table string
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the exchange ledger",
	}

	get := &cobra.Command{
		Use:   "get <exchange-id>",
		Short: "Print one ledger entry as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if table == "" {
				return fmt.Errorf("ledger table is required (--table or LEDGER_TABLE)")
			}
			cfg, err := awsconfig.LoadDefaultConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}
			repo, err := repository.New(awsdynamodb.NewFromConfig(cfg), table)
			if err != nil {
				return err
			}
			ex, err := repo.GetExchange(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(viewOf(ex))
		},
	}
	get.Flags().StringVar(&table, "table", os.Getenv("LEDGER_TABLE"), "DynamoDB ledger table")

	ledger.AddCommand(get)
	return ledger
}
