package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type globalFlags struct {
	server   string
	deviceID string
	json     bool
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "voxtailctl",
		Short:         "Command-line client for the voxtail speaker identification service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.server, "server", "s", envOr("VOXTAIL_URL", "http://127.0.0.1:8080"), "voxtail server base URL")
	root.PersistentFlags().StringVar(&flags.deviceID, "device-id", os.Getenv("VOXTAIL_DEVICE_ID"), "device id sent with every request")
	root.PersistentFlags().BoolVar(&flags.json, "json", false, "print results as JSON instead of YAML")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "timeout for non-streaming requests")

	root.AddCommand(
		newIdentifyCmd(flags),
		newMeetingCmd(flags),
		newSpeakersCmd(flags),
		newConsentCmd(flags),
		newStoreCmd(flags),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (f *globalFlags) client() *apiClient {
	return newAPIClient(f.server, f.deviceID, &http.Client{})
}

// printResult writes v as indented JSON or YAML.
func printResult(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	// Round-trip through JSON so YAML keys match the wire names.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printInfo(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
}
