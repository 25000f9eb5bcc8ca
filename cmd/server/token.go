package main

import (
	"fmt"
	"time"

	"fastdrop-go/pkg/token"

	"github.com/spf13/cobra"
)

// 令牌通常由外部认证服务签发，这个命令用于本地调试和运维脚本。
func newTokenCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with access tokens",
	}

	var (
		userID   uint
		username string
		role     string
		ttl      time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an access token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("必须通过 --user 指定用户ID")
			}
			if c.cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret 未配置")
			}
			if username == "" {
				username = fmt.Sprintf("user-%d", userID)
			}
			signed, err := token.NewJWTManager(c.cfg.JWT.Secret).GenerateToken(userID, username, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	issue.Flags().UintVar(&userID, "user", 0, "用户ID")
	issue.Flags().StringVar(&username, "name", "", "用户名")
	issue.Flags().StringVar(&role, "role", "USER", "角色，管理员使用 jwt.admin_role 的值")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有效期")
	cmd.AddCommand(issue)
	return cmd
}
