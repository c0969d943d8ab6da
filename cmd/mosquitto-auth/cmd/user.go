package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/passwd"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Aliases: []string{"users"},
	Short:   "Manage entries in the broker password file",
}

var (
	userPassword  string
	userOverwrite bool
	syncOverwrite bool
)

// readPassword returns the --password value, or reads one line from in.
func readPassword(cmd *cobra.Command, in io.Reader) (string, error) {
	if userPassword != "" {
		return userPassword, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given")
	}
	return line, nil
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		pw, err := readPassword(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := eng.users.Add(cmd.Context(), args[0], pw, userOverwrite); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %s added\n", args[0])
		return nil
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "passwd <username>",
	Short: "Change a user's password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		pw, err := readPassword(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := eng.users.EditPassword(cmd.Context(), args[0], pw); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "password for %s updated\n", args[0])
		return nil
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Remove a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		if err := eng.users.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %s deleted\n", args[0])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users in file order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		for name, err := range eng.users.List(cmd.Context()) {
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var userCheckCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "Check a password against the stored hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		pw, err := readPassword(cmd, cmd.InOrStdin())
		if err != nil {
			return err
		}
		ok, err := eng.users.Verify(cmd.Context(), args[0], pw)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("password does not match")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "password matches")
		return nil
	},
}

var userSyncEnvCmd = &cobra.Command{
	Use:   "sync-env",
	Short: "Add users from USER_<n>/PASS_<n> environment variables",
	Long: `Reads USER_1/PASS_1, USER_2/PASS_2, ... from the environment and adds
them in index order. Incomplete or invalid pairs are reported and skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		entries, problems := passwd.EntriesFromEnviron(os.Environ())
		for _, p := range problems {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", p)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no users found in environment")
			return nil
		}
		res, err := eng.users.AddMany(cmd.Context(), entries, syncOverwrite)
		if err != nil {
			return err
		}
		for _, name := range res.Succeeded {
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", name)
		}
		for _, f := range res.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed %s: %s\n", f.Username, f.Reason)
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d of %d users failed", len(res.Failed), len(entries))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userPasswdCmd, userDeleteCmd, userListCmd, userCheckCmd, userSyncEnvCmd)
	for _, c := range []*cobra.Command{userAddCmd, userPasswdCmd, userCheckCmd} {
		c.Flags().StringVar(&userPassword, "password", "", "Password (read from stdin when omitted)")
	}
	userAddCmd.Flags().BoolVar(&userOverwrite, "overwrite", false, "Replace an existing user's password")
	userSyncEnvCmd.Flags().BoolVar(&syncOverwrite, "overwrite", true, "Replace passwords of users already present")
}
