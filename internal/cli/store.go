package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/types"
)

func init() {
	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a memory record",
		Long:  "Store a memory record. Content can be a positional arg or piped via stdin.",
		Run:   runStore,
	}

	cmd.Flags().StringP("summary", "s", "", "One-line summary (derived from content when empty)")
	cmd.Flags().StringP("type", "t", "", "Record type (classified from content when empty)")
	cmd.Flags().IntP("importance", "i", 0, "Importance 1-10 (default 5)")
	cmd.Flags().Float64P("confidence", "c", 0, "Confidence 0.0-1.0 (default 0.8)")
	cmd.Flags().Int("decay-days", 0, "Days until the record decays (0 = permanent)")
	cmd.Flags().String("supersedes", "", "ID of the record this one replaces")
	cmd.Flags().String("tags", "", "Comma-separated tags")
	cmd.Flags().String("entities", "", "Comma-separated entities (extracted when empty)")
	cmd.Flags().StringP("project", "p", "", "Project scope")
	cmd.Flags().String("source-channel", "", "Where the content came from")
	cmd.Flags().String("source-message-id", "", "Message id at the source")

	RootCmd.AddCommand(cmd)
}

func runStore(cmd *cobra.Command, args []string) {
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("reading stdin", err)
			}
			content = string(b)
		}
	}
	if strings.TrimSpace(content) == "" {
		exitErr("store", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	req := types.StoreRequest{Content: strings.TrimSpace(content)}
	req.Summary, _ = cmd.Flags().GetString("summary")
	req.Type, _ = cmd.Flags().GetString("type")
	req.Importance, _ = cmd.Flags().GetInt("importance")
	req.Supersedes, _ = cmd.Flags().GetString("supersedes")
	req.Project, _ = cmd.Flags().GetString("project")
	req.SourceChannel, _ = cmd.Flags().GetString("source-channel")
	req.SourceMessageID, _ = cmd.Flags().GetString("source-message-id")
	req.Tags = splitList(cmd, "tags")
	req.Entities = splitList(cmd, "entities")

	if cmd.Flags().Changed("confidence") {
		c, _ := cmd.Flags().GetFloat64("confidence")
		req.Confidence = &c
	}
	if cmd.Flags().Changed("decay-days") {
		d, _ := cmd.Flags().GetInt("decay-days")
		req.DecayDays = &d
	}

	eng, cleanup, err := openEngine()
	if err != nil {
		exitErr("opening store", err)
	}
	defer cleanup()

	res, err := eng.Store(cmd.Context(), req)
	if err != nil {
		exitErr("store", err)
	}
	printJSON(res)
}

func splitList(cmd *cobra.Command, flag string) []string {
	raw, _ := cmd.Flags().GetString(flag)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
