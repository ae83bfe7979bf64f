package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/vault"
)

func newRevealCmd() *cobra.Command {
	var (
		configPath    string
		requester     string
		justification string
	)

	cmd := &cobra.Command{
		Use:   "reveal <case-id>",
		Short: "Reveal the real identity behind a case",
		Long: `Discloses the identity behind a case's pseudonym to an elevated moderator.
Every invocation is recorded in the reveal audit log, granted or not.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReveal(cmd, configPath, requester, justification, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&requester, "requester", "", "moderator ID requesting the reveal")
	cmd.Flags().StringVar(&justification, "reason", "", "justification recorded in the audit log")
	cmd.MarkFlagRequired("requester")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func runReveal(cmd *cobra.Command, configPath, requester, justification, arg string) error {
	out := cmd.OutOrStdout()

	caseID, err := parseCaseArg(arg)
	if err != nil {
		return err
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	st, err := store.New(gormDB)
	if err != nil {
		return err
	}

	v, err := vault.New(vault.Opts{
		DB:        gormDB,
		Store:     st,
		Elevated:  cfg.Privacy.Elevated,
		MaxActive: cfg.Relay.MaxActiveSuggestions,
		Cooldown:  cfg.Cooldown(),
	})
	if err != nil {
		return err
	}

	identity, err := v.Reveal(caseID, requester, justification)
	switch {
	case err == nil:
		fmt.Fprintf(out, "Case #%d submitter: %s\n", caseID, identity)
		fmt.Fprintln(out, "This access has been recorded in the audit log.")
		return nil
	case errors.Is(err, vault.ErrPermissionDenied):
		return fmt.Errorf("%s is not an elevated moderator; the refused attempt was recorded", requester)
	case errors.Is(err, vault.ErrNotFound):
		return fmt.Errorf("no identity mapping for case #%d (unknown case or mapping purged)", caseID)
	default:
		return err
	}
}

func newAuditCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "audit [case-id]",
		Short: "Show the reveal audit log",
		Long:  "Lists reveal attempts, optionally scoped to a single case. Audit rows are append-only and survive identity purges.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, configPath, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runAudit(cmd *cobra.Command, configPath string, args []string) error {
	out := cmd.OutOrStdout()

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	q := gormDB.Model(&models.RevealAudit{}).Order("created_at ASC")
	if len(args) == 1 {
		caseID, err := parseCaseArg(args[0])
		if err != nil {
			return err
		}
		q = q.Where("case_id = ?", caseID)
	}

	var audits []models.RevealAudit
	if err := q.Find(&audits).Error; err != nil {
		return fmt.Errorf("load audit log: %w", err)
	}
	if len(audits) == 0 {
		fmt.Fprintln(out, "No reveal attempts recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-17s %-6s %-16s %-8s %s\n",
		"WHEN", "CASE", "REQUESTER", "GRANTED", "REASON")
	for _, a := range audits {
		granted := "no"
		if a.Granted {
			granted = "yes"
		}
		fmt.Fprintf(out, "%-17s #%-5d %-16s %-8s %s\n",
			a.CreatedAt.Format("2006-01-02 15:04"), a.CaseID, a.Requester, granted, a.Justification)
	}
	return nil
}
