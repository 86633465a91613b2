package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmichael/diaspora-node/internal/federation"
	"github.com/blackmichael/diaspora-node/internal/queue"
)

func drainCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process pending inbound messages",
		Long: `Apply every pending item in the inbound queues, or only the queue of
--user. Use --user public for the public queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			processor := queue.NewProcessor(n.repo, n.resolver, federation.NewDispatcher(federation.NewRegistry()), n.logger, queue.Options{
				MaxAttempts: n.cfg.MaxAttempts,
				Media:       n.fetcher,
			})

			label := "all"
			var stats queue.Stats
			switch username {
			case "":
				stats, err = processor.DrainAll(ctx)
			case "public":
				label = "public"
				stats, err = processor.Drain(ctx, nil)
			default:
				user, lookupErr := n.repo.UserByHandle(ctx, n.localHandle(username))
				if lookupErr != nil {
					return lookupErr
				}
				label = user.Contact.Handle()
				stats, err = processor.Drain(ctx, user)
			}

			fmt.Println(statsTable([]string{
				label,
				fmt.Sprint(stats.Processed),
				fmt.Sprint(stats.Retried),
				fmt.Sprint(stats.Failed),
			}))
			if err != nil {
				fmt.Println(dangerStyle.Render("drain stopped early"))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&username, "user", "", "drain only this local user's queue")
	return cmd
}
