package ctl

import (
	"time"

	"github.com/spf13/cobra"
)

var tokenUser, tokenOrg string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for the event sink from JWT_PRIVATE_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := tokenProvider()
		if err != nil {
			return err
		}
		token, exp, err := tokens.IssueAccess(tokenUser, tokenOrg)
		if err != nil {
			return err
		}
		cmd.Println(token)
		cmd.PrintErrf("expires %s\n", exp.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "subject (user id)")
	tokenCmd.Flags().StringVar(&tokenOrg, "org", "", "organization claim")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
