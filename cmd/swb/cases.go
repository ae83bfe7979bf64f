package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/dashboard"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
)

func newCasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Inspect and manage relay cases",
	}

	cmd.AddCommand(newCasesListCmd())
	cmd.AddCommand(newCasesShowCmd())
	cmd.AddCommand(newCasesCloseCmd())
	return cmd
}

func newCasesListCmd() *cobra.Command {
	var (
		configPath string
		kind       string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		Long:  "Lists cases by pseudonym. Filter with --kind (suggestion, mod_notice) and --status (open, claimed, answered, closed).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesList(cmd, configPath, kind, status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by case kind")
	cmd.Flags().StringVar(&status, "status", "", "filter by case status")
	return cmd
}

func runCasesList(cmd *cobra.Command, configPath, kind, status string) error {
	out := cmd.OutOrStdout()

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	rows, err := dashboard.CaseList(gormDB, kind, status)
	if err != nil {
		return fmt.Errorf("list cases: %w", err)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No cases found.")
		return nil
	}

	fmt.Fprintf(out, "%-6s %-24s %-12s %-10s %-5s %s\n",
		"ID", "PSEUDONYM", "KIND", "STATUS", "MSGS", "CLAIMED BY")
	for _, r := range rows {
		claimedBy := r.ClaimedBy
		if claimedBy == "" {
			claimedBy = "-"
		}
		fmt.Fprintf(out, "#%-5d %-24s %-12s %-10s %-5d %s\n",
			r.ID, r.Pseudonym, r.Kind, r.Status, r.Messages, claimedBy)
	}
	return nil
}

func newCasesShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case and its message log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runCasesShow(cmd *cobra.Command, configPath, arg string) error {
	out := cmd.OutOrStdout()

	caseID, err := parseCaseArg(arg)
	if err != nil {
		return err
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	detail, err := dashboard.CaseByID(gormDB, caseID)
	if dashboard.IsNotFound(err) {
		return fmt.Errorf("no case #%d", caseID)
	}
	if err != nil {
		return fmt.Errorf("load case %d: %w", caseID, err)
	}

	fmt.Fprintf(out, "Case #%d  %s  [%s]  %s\n", detail.ID, detail.Pseudonym, detail.Kind, detail.Status)
	if detail.ClaimedBy != "" {
		fmt.Fprintf(out, "Claimed by: %s\n", detail.ClaimedBy)
	}
	fmt.Fprintf(out, "Opened: %s  Last activity: %s\n",
		detail.CreatedAt.Format("2006-01-02 15:04"), detail.LastActivityAt.Format("2006-01-02 15:04"))
	if detail.ClosedAt != nil {
		fmt.Fprintf(out, "Closed: %s\n", detail.ClosedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(out)

	for _, m := range detail.Log {
		sender := detail.Pseudonym
		if m.SenderRole == models.RoleModerator {
			sender = "mod:" + m.ModeratorID
		}
		mark := ""
		if !m.Delivered {
			mark = " (undelivered)"
		}
		fmt.Fprintf(out, "%3d. %s%s: %s\n", m.Seq, sender, mark, m.Body)
	}
	return nil
}

func newCasesCloseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "close <case-id>",
		Short: "Close a case from the CLI",
		Long:  "Closes a case without notifying either side. Prefer `!sb close` in chat during normal operation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCasesClose(cmd, configPath, args)
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runCasesClose(cmd *cobra.Command, configPath string, args []string) error {
	out := cmd.OutOrStdout()

	caseID, err := parseCaseArg(args[0])
	if err != nil {
		return err
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.New(gormDB)
	if err != nil {
		return err
	}
	err = st.Transition(caseID, models.StatusClosed, "cli")
	switch {
	case err == nil:
		fmt.Fprintf(out, "Case #%d closed.\n", caseID)
		return nil
	case errors.Is(err, store.ErrInvalidTransition):
		return fmt.Errorf("case #%d is already closed", caseID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("no case #%d", caseID)
	default:
		return err
	}
}

// parseCaseArg parses a case ID argument, tolerating a leading "#".
func parseCaseArg(arg string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(arg, "#"), 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad case id %q", arg)
	}
	return uint(id), nil
}
