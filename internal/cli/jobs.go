package cli

import (
	"github.com/spf13/cobra"
)

var (
	refreshOnce bool
	notifyOnce  bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Sync orders from the source into the store on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunRefresh(cmd.Context(), refreshOnce)
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send pending due and overdue notifications on a fixed interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunNotify(cmd.Context(), notifyOnce)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Register every Telegram chat that messages the bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Listen(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only order API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create database tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshOnce, "once", false, "Run a single cycle and exit")
	notifyCmd.Flags().BoolVar(&notifyOnce, "once", false, "Run a single cycle and exit")
}
