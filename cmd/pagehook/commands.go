package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/picker"
	"github.com/hazyhaar/pagehook/relay"
)

func init() {
	for _, c := range []*cobra.Command{pickCmd, rulesCmd, logsCmd} {
		c.PersistentFlags().StringVar(&serverURL, "server", "", "API base URL (default http://<listen>)")
	}
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage rules on a running server",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rules []model.Rule
		if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/api/rules", nil, &rules); err != nil {
			return err
		}
		printRules(cmd.OutOrStdout(), rules)
		return nil
	},
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Flip a rule's enabled state, or set it with --enabled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body any
		if cmd.Flags().Changed("enabled") {
			enabled, _ := cmd.Flags().GetBool("enabled")
			body = map[string]bool{"enabled": enabled}
		}
		var rule model.Rule
		if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/api/rules/"+args[0]+"/toggle", body, &rule); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t\n", rule.ID, rule.Enabled)
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().do(cmd.Context(), http.MethodDelete, "/api/rules/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	rulesToggleCmd.Flags().Bool("enabled", true, "target state")
	rulesCmd.AddCommand(rulesListCmd, rulesToggleCmd, rulesDeleteCmd)
}

func printRules(w io.Writer, rules []model.Rule) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tTRIGGER\tPATTERN\tDESTINATION")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", r.ID, r.Name, r.Enabled, r.Trigger, r.URLPattern, r.Destination.URL)
	}
	tw.Flush()
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var logs []model.LogEntry
		path := "/api/logs?limit=" + strconv.Itoa(limit)
		if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, nil, &logs); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tRULE\tEVENT\tSTATUS\tCODE\tERROR")
		for _, e := range logs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.RuleName, e.Event, e.Status, e.StatusCode, e.Error)
		}
		return tw.Flush()
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every log entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPIClient().do(cmd.Context(), http.MethodDelete, "/api/logs", nil, nil)
	},
}

func init() {
	logsCmd.Flags().Int("limit", 20, "max entries")
	logsCmd.AddCommand(logsClearCmd)
}

// --- pick ---

var pickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Synthesise a selector for the element containing some text",
	Long: `Fetch a page over HTTP, find the deepest element whose visible text
contains --text, and print its selector. Unless --dry-run is set the
selection is sent to the running server, where the rule-authoring flow
picks it up.

Examples:
  pagehook pick --url https://shop.example.com/p/1 --text '$10'
  pagehook pick --url https://news.example.com/ --text 'Top story' --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		text, _ := cmd.Flags().GetString("text")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if url == "" || text == "" {
			return fmt.Errorf("--url and --text are required")
		}

		var emitter relay.Emitter = discardEmitter{}
		if !dryRun {
			emitter = relayEmitter{c: newAPIClient()}
		}
		p := picker.New(picker.TargetsFunc(func(string) (picker.Target, bool) { return nil, false }), emitter)
		sel, err := p.PickURL(cmd.Context(), url, text)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sel)
	},
}

func init() {
	pickCmd.Flags().String("url", "", "page URL")
	pickCmd.Flags().String("text", "", "visible text inside the element")
	pickCmd.Flags().Bool("dry-run", false, "print only, do not send to the server")
}
