package main

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blackmichael/diaspora-node/internal/delivery"
	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/federation"
)

func sendCmd() *cobra.Command {
	var (
		to     string
		public bool
	)

	cmd := &cobra.Command{
		Use:   "send <username> <text>",
		Short: "Post a status message to a remote contact",
		Long: `Store a status message written by a local user and deliver it to the
inbox of the --to contact. With --public the message is public and is
delivered to the public inbox of the contact's node.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to is required")
			}

			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			user, err := n.repo.UserByHandle(ctx, n.localHandle(args[0]))
			if err != nil {
				return err
			}
			recipient, err := n.resolver.Resolve(ctx, to)
			if err != nil {
				return err
			}

			text := args[1]
			post := &domain.Post{
				AuthorID:  user.ContactID(),
				CreatedAt: time.Now().UTC(),
				GUID:      uuid.NewString(),
				Parts:     []domain.Part{{MimeType: domain.MimeMarkdown, Body: []byte(text), Inline: true}},
				Tags:      domain.ExtractTags(text),
			}
			if public {
				post.Visibility = domain.VisibilityPublic
				post.ShareWith(true, user.ContactID())
			} else {
				post.Visibility = domain.VisibilityLimited
				post.ShareWith(false, user.ContactID(), recipient.ID)
			}
			if err := n.repo.CreatePost(ctx, post); err != nil {
				return err
			}

			sender := federation.NewSender(federation.NewRegistry(), delivery.NewClient(nil, n.logger))
			in := federation.GenerateInput{From: user, To: recipient, Post: post, Text: text}
			if public {
				err = sender.SendPublic(ctx, federation.TypeStatusMessage, in, recipient)
			} else {
				err = sender.Send(ctx, federation.TypeStatusMessage, in)
			}
			if err != nil {
				return err
			}

			success("delivered %s to %s", post.GUID, recipient.Handle())
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient handle")
	cmd.Flags().BoolVar(&public, "public", false, "send as a public message")
	return cmd
}
