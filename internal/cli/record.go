package cli

import (
	"encoding/json"
	"fmt"

	"github.com/memvault/memvault/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "record <user-input> <ai-output>",
		Short: "Record a conversation turn",
		Long:  "Append one chat exchange to the store. Mostly useful for seeding and scripting.",
		Args:  cobra.ExactArgs(2),
		Run:   runRecord,
	}

	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("assistant", "", "Assistant id")
	cmd.Flags().StringP("model", "m", "", "Model name")
	cmd.Flags().Int("tokens", 0, "Tokens used")
	cmd.Flags().String("meta", "", "JSON metadata")

	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runRecord(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")
	assistant, _ := cmd.Flags().GetString("assistant")
	modelName, _ := cmd.Flags().GetString("model")
	tokens, _ := cmd.Flags().GetInt("tokens")
	meta, _ := cmd.Flags().GetString("meta")

	var metadata map[string]any
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			exitErr("record", fmt.Errorf("invalid --meta: %w", err))
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	turn, err := s.RecordTurn(cmd.Context(), store.TurnParams{
		UserInput:   args[0],
		AIOutput:    args[1],
		Model:       modelName,
		UserID:      user,
		AssistantID: assistant,
		SessionID:   session,
		TokensUsed:  tokens,
		Metadata:    metadata,
	})
	if err != nil {
		exitErr("record", err)
	}

	b, _ := json.Marshal(turn)
	fmt.Println(string(b))
}
