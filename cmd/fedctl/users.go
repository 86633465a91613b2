package main

import (
	"crypto/rsa"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/keys"
)

func addUserCmd() *cobra.Command {
	var (
		name    string
		keyPath string
	)

	cmd := &cobra.Command{
		Use:   "adduser <username>",
		Short: "Create a local user",
		Long: `Create a local account on this node. A new key is generated unless
--key names an existing PEM private key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			handle := args[0] + "@" + n.cfg.Hostname
			if _, _, err := domain.SplitHandle(handle); err != nil {
				return err
			}

			var key *rsa.PrivateKey
			if keyPath != "" {
				key, err = keys.LoadPrivateKeyFile(keyPath)
			} else {
				key, err = keys.Generate(keys.DefaultBits)
			}
			if err != nil {
				return err
			}

			if name == "" {
				name = args[0]
			}
			user := &domain.User{
				GUID:       uuid.NewString(),
				PrivateKey: key,
				Contact: &domain.Contact{
					RealName: name,
					Identity: &domain.Identity{
						Handle: handle,
						Server: n.cfg.BaseURL(),
					},
				},
			}
			if err := n.repo.CreateUser(ctx, user); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			fmt.Println(fields("User created",
				"Handle", handle,
				"Name", name,
				"GUID", user.GUID,
				"User ID", fmt.Sprint(user.ID),
				"Contact ID", fmt.Sprint(user.ContactID()),
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (default username)")
	cmd.Flags().StringVar(&keyPath, "key", "", "existing private key file")
	return cmd
}
