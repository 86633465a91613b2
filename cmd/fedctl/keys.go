package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmichael/diaspora-node/internal/keys"
)

func keygenCmd() *cobra.Command {
	var bits int

	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate an identity key pair",
		Long:  `Write a new PEM encoded RSA private key to path and print its public key.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.Generate(bits)
			if err != nil {
				return err
			}
			if err := keys.SavePrivateKeyFile(args[0], key); err != nil {
				return err
			}
			success("wrote %d-bit private key to %s", bits, args[0])
			fmt.Print(string(keys.EncodePublicKey(&key.PublicKey)))
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", keys.DefaultBits, "RSA modulus size")
	return cmd
}
