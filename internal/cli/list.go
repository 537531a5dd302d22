package cli

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Browse active records, paginated",
		Run:   runList,
	}

	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("page-size", 20, "Records per page (max 100)")
	cmd.Flags().String("sort-by", "created", "Sort column: created, updated, importance, confidence")
	cmd.Flags().String("sort-order", "desc", "Sort order: asc or desc")
	cmd.Flags().StringP("project", "p", "", "Filter by project")
	cmd.Flags().StringP("type", "t", "", "Filter by record type")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, _ []string) {
	var req types.ListRequest
	req.Page, _ = cmd.Flags().GetInt("page")
	req.PageSize, _ = cmd.Flags().GetInt("page-size")
	req.SortBy, _ = cmd.Flags().GetString("sort-by")
	req.SortOrder, _ = cmd.Flags().GetString("sort-order")
	req.Project, _ = cmd.Flags().GetString("project")
	req.Type, _ = cmd.Flags().GetString("type")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.List(cmd.Context(), req)
	if err != nil {
		exitErr("list", err)
	}
	printJSON(res)
}
