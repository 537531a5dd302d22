package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	summarize := &cobra.Command{
		Use:   "summarize [topic]",
		Short: "Group active records by type, optionally narrowed by topic",
		Run:   runSummarize,
	}
	summarize.Flags().StringP("project", "p", "", "Project scope")
	summarize.Flags().IntP("limit", "l", 0, "Max records considered (default 50)")
	RootCmd.AddCommand(summarize)

	instructions := &cobra.Command{
		Use:   "instructions",
		Short: "List standing instructions, highest importance first",
		Run:   runInstructions,
	}
	instructions.Flags().StringP("project", "p", "", "Project scope (global instructions always included)")
	RootCmd.AddCommand(instructions)

	entities := &cobra.Command{
		Use:   "entities",
		Short: "List known entities with their active-record counts",
		Run:   runEntities,
	}
	entities.Flags().IntP("limit", "l", 50, "Max entities")
	RootCmd.AddCommand(entities)
}

func runSummarize(cmd *cobra.Command, args []string) {
	var req types.SummarizeRequest
	req.Topic = strings.Join(args, " ")
	req.Project, _ = cmd.Flags().GetString("project")
	req.Limit, _ = cmd.Flags().GetInt("limit")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Summarize(cmd.Context(), req)
	if err != nil {
		exitErr("summarize", err)
	}
	printJSON(res)
}

func runInstructions(cmd *cobra.Command, _ []string) {
	project, _ := cmd.Flags().GetString("project")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Instructions(cmd.Context(), project)
	if err != nil {
		exitErr("instructions", err)
	}
	printJSON(res)
}

func runEntities(cmd *cobra.Command, _ []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Entities(cmd.Context(), limit)
	if err != nil {
		exitErr("entities", err)
	}
	printJSON(res)
}
