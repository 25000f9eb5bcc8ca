package main

import (
	"fmt"
	"strconv"
	"strings"

	"fastdrop-go/pkg/log"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newQuotaCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and manage per-user storage quotas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recompute used bytes for every owner from ready files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.maintenance.ReconcileQuotas(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已对账 %d 个用户\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <ownerId> <size|unlimited>",
		Short: "Set the total quota of an owner, e.g. 10GiB",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || ownerID == 0 {
				return fmt.Errorf("无效的用户ID: %q", args[0])
			}
			var total *int64
			if !strings.EqualFold(args[1], "unlimited") {
				n, err := humanize.ParseBytes(args[1])
				if err != nil {
					return fmt.Errorf("无效的配额大小 %q: %w", args[1], err)
				}
				v := int64(n)
				total = &v
			}

			a, err := newApp(cmd.Context(), c.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.quotas.SetTotal(cmd.Context(), uint(ownerID), total); err != nil {
				return err
			}
			acct, err := a.quotas.Get(cmd.Context(), uint(ownerID))
			if err != nil {
				return err
			}
			limit := "unlimited"
			if acct.TotalBytes != nil {
				limit = humanize.IBytes(uint64(*acct.TotalBytes))
			}
			log.Infof("[Quota] 用户 %d 的配额已更新为 %s", ownerID, limit)
			fmt.Fprintf(cmd.OutOrStdout(), "owner=%d used=%s total=%s\n", ownerID, humanize.IBytes(uint64(acct.UsedBytes)), limit)
			return nil
		},
	})
	return cmd
}
