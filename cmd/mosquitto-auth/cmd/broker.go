package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/mqttadmin/mosquitto-auth/reload"
)

// errVerifyFailed makes verify commands exit non-zero after printing.
var errVerifyFailed = errors.New("verification failed")

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage the broker's TLS server certificate",
}

var (
	brokerCN       string
	brokerDays     int
	brokerKeepTemp bool
	brokerReload   bool
)

var brokerGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Issue or replace the broker certificate",
	Long: `Issues a server certificate signed by the CA. The common name comes from
--cn or BROKER_CN; when it is an IP address it is placed in the IP SANs,
otherwise in the DNS SANs. localhost and 127.0.0.1 are always included.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		res, err := eng.broker.Generate(cmd.Context(), pki.BrokerRequest{
			CommonName:   brokerCN,
			ValidityDays: brokerDays,
			KeepTemp:     brokerKeepTemp,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "broker certificate for %q issued, valid until %s\n",
			res.CommonName, res.NotAfter.Format("2006-01-02"))
		for _, san := range res.SANs {
			fmt.Fprintf(out, "  %s:%s\n", san.Type, san.Value)
		}
		if res.TempDir != "" {
			fmt.Fprintf(out, "  staging directory kept at %s\n", res.TempDir)
		}
		if brokerReload {
			return reloadBroker(cmd)
		}
		return nil
	},
}

var brokerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the broker certificate against the CA and its key",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		v, err := eng.broker.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
		if v.Status != pki.StatusOK {
			return errVerifyFailed
		}
		return nil
	},
}

var brokerDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the broker key and certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngines(cfg)
		if err != nil {
			return err
		}
		if err := eng.broker.Delete(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "broker certificate deleted")
		return nil
	},
}

func reloadBroker(cmd *cobra.Command) error {
	r, err := reload.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := r.Reload(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "broker reloaded (%s)\n", r.Name())
	return nil
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.AddCommand(brokerGenerateCmd, brokerVerifyCmd, brokerDeleteCmd)
	f := brokerGenerateCmd.Flags()
	f.StringVar(&brokerCN, "cn", "", "Common name (BROKER_CN)")
	f.IntVar(&brokerDays, "days", 0, fmt.Sprintf("Validity in days (default %d)", pki.DefaultBrokerValidityDays))
	f.BoolVar(&brokerKeepTemp, "keep-temp", false, "Keep the staging directory with the CSR")
	f.BoolVar(&brokerReload, "reload", false, "Signal the broker after issuing (RELOAD_MODE)")
}
