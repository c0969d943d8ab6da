package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the self-signed certificate authority",
}

var (
	caCommonName string
	caDays       int
)

var caGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create the CA key, certificate and serial file",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		res, err := eng.ca.Generate(cmd.Context(), caCommonName, caDays)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "CA %q generated, valid for %d days (until %s)\n",
			res.CommonName, res.ValidityDays, res.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(out, "  key:    %s\n  cert:   %s\n  serial: %s\n", res.KeyPath, res.CertPath, res.SerialPath)
		return nil
	},
}

var caVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Show the CA certificate details",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		info, err := eng.ca.Inspect(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var caDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the CA key, certificate and serial file",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		res, err := eng.ca.Delete(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range res.Removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caGenerateCmd, caVerifyCmd, caDeleteCmd)
	caGenerateCmd.Flags().StringVar(&caCommonName, "cn", "", "CA common name (default "+pki.DefaultCACommonName+")")
	caGenerateCmd.Flags().IntVar(&caDays, "days", 0, fmt.Sprintf("Validity in days (default %d)", pki.DefaultCAValidityDays))
}
