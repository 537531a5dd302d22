package cli

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	maintain := &cobra.Command{
		Use:   "maintain",
		Short: "Run the maintenance sweep",
		Long: "Soft-delete decayed and low-value records, remove orphaned entities,\n" +
			"and regenerate the consolidated text summary.",
		Run: runMaintain,
	}
	maintain.Flags().Int("max-age-days", 0, "Prune decaying records older than this many days")
	maintain.Flags().Int("min-importance", 0, "Prune records below this importance")
	RootCmd.AddCommand(maintain)

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Drain the pending-embedding queue",
		Run:   runDrain,
	}
	RootCmd.AddCommand(drain)
}

func runMaintain(cmd *cobra.Command, _ []string) {
	var req types.MaintainRequest
	if cmd.Flags().Changed("max-age-days") {
		v, _ := cmd.Flags().GetInt("max-age-days")
		req.MaxAgeDays = &v
	}
	if cmd.Flags().Changed("min-importance") {
		v, _ := cmd.Flags().GetInt("min-importance")
		req.MinImportance = &v
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Maintain(cmd.Context(), req)
	if err != nil {
		exitErr("maintain", err)
	}
	printJSON(res)
}

func runDrain(cmd *cobra.Command, _ []string) {
	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.DrainQueue(cmd.Context())
	if err != nil && res == nil {
		exitErr("drain", err)
	}
	printJSON(res)
}
