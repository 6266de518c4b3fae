package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/antoniostano/voxtail/internal/app"
	"github.com/antoniostano/voxtail/internal/config"
	"github.com/antoniostano/voxtail/internal/profile"
)

// withLocalProfiles opens the profile store named by the server environment.
// Badger directories are locked, so this fails while a server holds them.
func withLocalProfiles(ctx context.Context, fn func(m *profile.Manager) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closeLog := config.SetupLogger("voxtailctl", cfg.LogFile, slog.LevelWarn)
	defer closeLog()

	manager, closeStore, _, err := app.OpenProfiles(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeStore()) }()
	return fn(manager)
}

func newStoreCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Operate on the profile store directly, using the server's environment",
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the local speaker cache file from the store and list it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLocalProfiles(cmd.Context(), func(m *profile.Manager) error {
				out, err := m.Sync(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), speakerList{Speakers: out}, flags.json)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile from the store and the cache file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalProfiles(cmd.Context(), func(m *profile.Manager) error {
				if err := m.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				printInfo(cmd, "deleted %s", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(sync, del)
	return cmd
}
