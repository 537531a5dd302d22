package cli

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	recall := &cobra.Command{
		Use:   "recall [id]",
		Short: "Retrieve memories by id or filter",
		Args:  cobra.MaximumNArgs(1),
		Run:   runRecall,
	}
	recall.Flags().StringP("project", "p", "", "Filter by project")
	recall.Flags().StringP("type", "t", "", "Filter by record type")
	recall.Flags().IntP("limit", "l", 0, "Max results (default 20)")
	recall.Flags().Bool("include-forgotten", false, "Include soft-deleted records")
	RootCmd.AddCommand(recall)

	auto := &cobra.Command{
		Use:   "auto-recall",
		Short: "Build the bounded context block for turn start",
		Long:  "Standing instructions first, then high-importance records, within a byte budget.",
		Run:   runAutoRecall,
	}
	auto.Flags().StringP("project", "p", "", "Project scope")
	auto.Flags().Int("min-importance", 0, "Importance floor (default 3)")
	auto.Flags().IntP("limit", "l", 0, "Max records considered (default 5)")
	auto.Flags().Int("budget", 0, "Byte budget for the context block")
	auto.Flags().Bool("text", false, "Print the context block instead of JSON")
	RootCmd.AddCommand(auto)
}

func runRecall(cmd *cobra.Command, args []string) {
	var req types.RecallRequest
	if len(args) > 0 {
		req.ID = args[0]
	}
	req.Project, _ = cmd.Flags().GetString("project")
	req.Type, _ = cmd.Flags().GetString("type")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	req.IncludeForgotten, _ = cmd.Flags().GetBool("include-forgotten")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Recall(cmd.Context(), req)
	if err != nil {
		exitErr("recall", err)
	}
	printJSON(res)
}

func runAutoRecall(cmd *cobra.Command, _ []string) {
	var req types.AutoRecallRequest
	req.Project, _ = cmd.Flags().GetString("project")
	req.MinImportance, _ = cmd.Flags().GetInt("min-importance")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	req.BudgetBytes, _ = cmd.Flags().GetInt("budget")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.AutoRecall(cmd.Context(), req)
	if err != nil {
		exitErr("auto-recall", err)
	}
	if text, _ := cmd.Flags().GetBool("text"); text {
		cmd.Print(res.Context)
		return
	}
	printJSON(res)
}
