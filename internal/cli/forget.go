package cli

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "forget [id]",
		Short: "Soft-delete a record by id or query",
		Long: "Mark a record forgotten and scrub it from the searchable layers.\n" +
			"The text log keeps the audit trail. With --query the top search match is forgotten.",
		Args: cobra.MaximumNArgs(1),
		Run:  runForget,
	}

	cmd.Flags().StringP("query", "q", "", "Forget the top match for this query instead of an id")
	cmd.Flags().StringP("reason", "r", "", "Why the record is being forgotten")

	RootCmd.AddCommand(cmd)
}

func runForget(cmd *cobra.Command, args []string) {
	var req types.ForgetRequest
	if len(args) > 0 {
		req.ID = args[0]
	}
	req.Query, _ = cmd.Flags().GetString("query")
	req.Reason, _ = cmd.Flags().GetString("reason")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Forget(cmd.Context(), req)
	if err != nil {
		exitErr("forget", err)
	}
	printJSON(res)
}
