package cli

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of an existing record",
		Long:  "Apply a partial update. Only flags that are set change the record.",
		Args:  cobra.ExactArgs(1),
		Run:   runUpdate,
	}

	cmd.Flags().String("content", "", "Replace the content (re-extracts entities, re-embeds)")
	cmd.Flags().StringP("summary", "s", "", "Replace the summary")
	cmd.Flags().StringP("type", "t", "", "Change the record type")
	cmd.Flags().IntP("importance", "i", 0, "Change importance 1-10")
	cmd.Flags().Float64P("confidence", "c", 0, "Change confidence 0.0-1.0")
	cmd.Flags().Int("decay-days", 0, "Change the decay horizon")
	cmd.Flags().StringP("project", "p", "", "Change the project scope")

	RootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) {
	req := types.UpdateRequest{ID: args[0]}

	if cmd.Flags().Changed("content") {
		v, _ := cmd.Flags().GetString("content")
		req.Content = &v
	}
	if cmd.Flags().Changed("summary") {
		v, _ := cmd.Flags().GetString("summary")
		req.Summary = &v
	}
	if cmd.Flags().Changed("type") {
		v, _ := cmd.Flags().GetString("type")
		req.Type = &v
	}
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetInt("importance")
		req.Importance = &v
	}
	if cmd.Flags().Changed("confidence") {
		v, _ := cmd.Flags().GetFloat64("confidence")
		req.Confidence = &v
	}
	if cmd.Flags().Changed("decay-days") {
		v, _ := cmd.Flags().GetInt("decay-days")
		req.DecayDays = &v
	}
	if cmd.Flags().Changed("project") {
		v, _ := cmd.Flags().GetString("project")
		req.Project = &v
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Update(cmd.Context(), req)
	if err != nil {
		exitErr("update", err)
	}
	printJSON(res)
}
