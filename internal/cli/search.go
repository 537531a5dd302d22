package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories across all reachable layers",
		Long:  "Fan the query out to the graph and vector layers, merge and rank the hits.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().StringP("project", "p", "", "Filter by project")
	cmd.Flags().StringP("type", "t", "", "Filter by record type")
	cmd.Flags().IntP("limit", "l", 0, "Max results (default 10)")
	cmd.Flags().Float64("min-confidence", 0, "Drop hits below this confidence")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	req := types.SearchRequest{Query: strings.Join(args, " ")}
	req.Project, _ = cmd.Flags().GetString("project")
	req.Type, _ = cmd.Flags().GetString("type")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	req.MinConfidence, _ = cmd.Flags().GetFloat64("min-confidence")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Search(cmd.Context(), req)
	if err != nil {
		exitErr("search", err)
	}
	printJSON(res)
}
