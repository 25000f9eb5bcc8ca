package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPurgeCommand(c *cli) *cobra.Command {
	var (
		dryRun bool
		days   int
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete files whose expiry passed more than the grace period ago",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days 不能为负数")
			}
			grace := c.cfg.Maintenance.PurgeGrace
			if cmd.Flags().Changed("days") {
				grace = time.Duration(days) * 24 * time.Hour
			}

			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.maintenance.PurgeExpired(cmd.Context(), grace, dryRun)
			if err != nil {
				return err
			}
			verb := "已删除"
			if dryRun {
				verb = "将删除"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d 个文件，共 %s，失败 %d 个\n",
				verb, report.Files, humanize.IBytes(uint64(report.Bytes)), report.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "只统计，不删除")
	cmd.Flags().IntVar(&days, "days", 0, "过期后的保留天数，默认使用 maintenance.purge_grace")
	return cmd
}
