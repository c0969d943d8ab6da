package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
	"github.com/mqttadmin/mosquitto-auth/pki"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage per-user client certificates",
}

var (
	clientDays        int
	clientOut         string
	clientP12         bool
	clientP12Password string
)

var clientGenerateCmd = &cobra.Command{
	Use:   "generate <username>",
	Short: "Issue or replace a client certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		res, err := eng.clients.Generate(cmd.Context(), args[0], clientDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "client certificate for %s issued, valid until %s\n  key:  %s\n  cert: %s\n",
			res.Username, res.NotAfter.Format("2006-01-02"), res.KeyPath, res.CertPath)
		return nil
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users holding a client certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		for name, err := range eng.clients.List(cmd.Context()) {
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var clientVerifyCmd = &cobra.Command{
	Use:   "verify <username>",
	Short: "Check a client certificate against the current CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		v, err := eng.clients.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
		if !v.Signature.OK {
			return errVerifyFailed
		}
		return nil
	},
}

var clientBundleCmd = &cobra.Command{
	Use:   "bundle <username>",
	Short: "Write the user's key and certificate as a zip or PKCS#12 archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		username := args[0]
		var (
			data []byte
			ext  = ".zip"
		)
		if clientP12 {
			ext = ".p12"
			password := clientP12Password
			if password == "" {
				if password, err = util.RandomChars(16); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "generated bundle password: %s\n", password)
			}
			data, err = eng.clients.BundlePKCS12(cmd.Context(), username, password)
		} else {
			data, err = eng.clients.Bundle(cmd.Context(), username)
		}
		if err != nil {
			return err
		}
		out := clientOut
		if out == "" {
			out = username + ext
		}
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return fmt.Errorf("%w: writing bundle: %v", pki.ErrStorage, err)
		}
		abs, _ := filepath.Abs(out)
		fmt.Fprintf(cmd.OutOrStdout(), "bundle written to %s\n", abs)
		return nil
	},
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Remove the user's certificate namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		if err := eng.clients.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "client certificate for %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clientCmd)
	clientCmd.AddCommand(clientGenerateCmd, clientListCmd, clientVerifyCmd, clientBundleCmd, clientDeleteCmd)
	clientGenerateCmd.Flags().IntVar(&clientDays, "days", 0, fmt.Sprintf("Validity in days (default %d)", pki.DefaultClientValidityDays))
	f := clientBundleCmd.Flags()
	f.StringVarP(&clientOut, "output", "o", "", "Output file (default <username>.zip or .p12)")
	f.BoolVar(&clientP12, "p12", false, "Write PKCS#12 including the CA chain instead of zip")
	f.StringVar(&clientP12Password, "password", "", "PKCS#12 password (generated when empty)")
}
