package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPurgeAuditCommand(c *cli) *cobra.Command {
	var (
		dryRun bool
		days   int
	)
	cmd := &cobra.Command{
		Use:   "purge-audit",
		Short: "Delete audit log entries older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keep := c.cfg.Maintenance.AuditRetention
			if cmd.Flags().Changed("days") {
				if days <= 0 {
					return fmt.Errorf("--days 必须大于 0")
				}
				keep = time.Duration(days) * 24 * time.Hour
			}

			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.maintenance.PurgeAuditLogs(cmd.Context(), keep, dryRun)
			if err != nil {
				return err
			}
			verb := "已删除"
			if dryRun {
				verb = "将删除"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d 条 %d 天前的审计记录\n", verb, n, int(keep.Hours()/24))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只统计，不删除")
	cmd.Flags().IntVar(&days, "days", 0, "保留最近多少天的审计记录，默认使用 maintenance.audit_retention")
	return cmd
}
