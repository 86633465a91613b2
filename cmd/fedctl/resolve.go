package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <handle>",
		Short: "Look up a remote identity",
		Long: `Return the stored contact for handle, discovering and storing it
through WebFinger and hCard if it is not known yet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			c, err := n.resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}

			avatar := "-"
			if c.Avatar != nil {
				avatar = fmt.Sprintf("%s, %d bytes", c.Avatar.MimeType, len(c.Avatar.Body))
			}
			fmt.Println(fields(c.Handle(),
				"Name", c.RealName,
				"GUID", c.Identity.GUID,
				"Server", c.Identity.Server,
				"Contact ID", fmt.Sprint(c.ID),
				"Local", fmt.Sprint(c.IsLocal()),
				"Avatar", avatar,
				"Interests", tags(c.Interests),
			))
			return nil
		},
	}
}
