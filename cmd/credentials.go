package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-digest/credential"
)

var (
	setCredential    = credential.Set
	deleteCredential = credential.Delete
)

// NewCredentialsCommand manages the secrets read by --keyring.
func NewCredentialsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Store or remove the IMAP password and API key in the OS keyring",
	}

	keys := strings.Join(credential.Keys, ", ")

	setCmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret read from stdin (keys: " + keys + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !credential.ValidKey(key) {
				return fmt.Errorf("unknown key %q, expected one of: %s", key, keys)
			}
			value, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := setCredential(key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", key)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored secret (keys: " + keys + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !credential.ValidKey(key) {
				return fmt.Errorf("unknown key %q, expected one of: %s", key, keys)
			}
			if err := deleteCredential(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
			return nil
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return value, nil
}

// Register attaches every subcommand to root.
func Register(root *cobra.Command) {
	root.AddCommand(NewSendersCommand(), NewCredentialsCommand())
}
