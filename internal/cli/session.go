package cli

import (
	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	session := &cobra.Command{
		Use:   "session",
		Short: "Session lifecycle: open, close, flush",
	}

	open := &cobra.Command{
		Use:   "open",
		Short: "Open a session: recover the WAL, drain the queue, show an overview",
		Run:   runSessionOpen,
	}
	open.Flags().String("id", "", "Session id (generated when empty)")
	open.Flags().StringP("project", "p", "", "Project scope")
	session.AddCommand(open)

	closeCmd := &cobra.Command{
		Use:   "close [id]",
		Short: "Close the current session",
		Args:  cobra.MaximumNArgs(1),
		Run:   runSessionClose,
	}
	session.AddCommand(closeCmd)

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Flush the WAL and snapshot the store for suspend",
		Run:   runSessionFlush,
	}
	session.AddCommand(flush)

	RootCmd.AddCommand(session)
}

func runSessionOpen(cmd *cobra.Command, _ []string) {
	var req types.OpenSessionRequest
	req.SessionID, _ = cmd.Flags().GetString("id")
	req.Project, _ = cmd.Flags().GetString("project")

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.OpenSession(cmd.Context(), req)
	if err != nil {
		exitErr("session open", err)
	}
	printJSON(res)
}

func runSessionClose(cmd *cobra.Command, args []string) {
	var id string
	if len(args) > 0 {
		id = args[0]
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.CloseSession(cmd.Context(), id)
	if err != nil {
		exitErr("session close", err)
	}
	printJSON(res)
}

func runSessionFlush(cmd *cobra.Command, _ []string) {
	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.PreSuspendFlush(cmd.Context())
	if err != nil {
		exitErr("session flush", err)
	}
	printJSON(res)
}
