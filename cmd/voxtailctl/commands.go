package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/voxtail/internal/identify"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/protocol"
)

func meetingPath(id string, parts ...string) string {
	p := "/v1/meetings/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func newIdentifyCmd(flags *globalFlags) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "identify <recording>",
		Short: "Upload a recording and identify its speakers",
		Long: `Upload a recording, follow processing progress and print the result.

Examples:
  voxtailctl identify standup.m4a
  voxtailctl identify interview.wav --language en --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			res, err := flags.client().identify(ctx, args[0], language, func(p protocol.Progress) {
				printInfo(cmd, "[%s] %s", p.Stage, p.Message)
			})
			if err != nil {
				return err
			}
			if res.MeetingID == nil {
				printInfo(cmd, "no speech found; nothing was kept")
			} else {
				printInfo(cmd, "meeting %s: %d speakers", *res.MeetingID, len(res.Speakers))
			}
			return printResult(cmd.OutOrStdout(), res, flags.json)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "language code; empty for automatic detection")
	return cmd
}

func newMeetingCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Inspect and resolve a meeting session",
	}

	get := &cobra.Command{
		Use:   "get <meeting_id>",
		Short: "Show a meeting session and its pending speakers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			var out identify.Meeting
			if err := flags.client().doJSON(ctx, http.MethodGet, meetingPath(args[0]), nil, &out); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}

	watch := &cobra.Command{
		Use:   "watch <meeting_id>",
		Short: "Print lifecycle events until the meeting closes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return flags.client().watch(ctx, args[0], func(ev protocol.SessionEvent) {
				line := fmt.Sprintf("%s %s state=%s", ev.At.Format("15:04:05"), ev.Event, ev.State)
				if ev.Speaker != "" {
					line += " speaker=" + ev.Speaker
				}
				if ev.Reason != "" {
					line += " reason=" + ev.Reason
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			})
		},
	}

	var clipOut string
	clip := &cobra.Command{
		Use:   "clip <meeting_id> <speaker>",
		Short: "Download a short audio clip of one speaker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			dest := clipOut
			if dest == "" {
				dest = fmt.Sprintf("speaker_%s_clip.wav", filepath.Base(args[1]))
			}
			n, err := flags.client().download(ctx, meetingPath(args[0], "speakers", args[1], "clip"), dest)
			if err != nil {
				return err
			}
			printInfo(cmd, "wrote %s (%d bytes)", dest, n)
			return nil
		},
	}
	clip.Flags().StringVarP(&clipOut, "output", "o", "", "destination file")

	var noReinforce bool
	confirm := &cobra.Command{
		Use:   "confirm <meeting_id> <speaker> <name>",
		Short: "Confirm or correct the name of a speaker",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			reinforce := !noReinforce
			var out identify.ConfirmResult
			err := flags.client().doJSON(ctx, http.MethodPost, meetingPath(args[0], "speakers", args[1], "confirm"),
				map[string]any{"name": args[2], "reinforce": reinforce}, &out)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}
	confirm.Flags().BoolVar(&noReinforce, "no-reinforce", false, "do not blend this recording into the stored profile")

	enroll := &cobra.Command{
		Use:   "enroll <meeting_id> <speaker> <name>",
		Short: "Name an unknown speaker and enroll their voice",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			var out identify.EnrollResult
			err := flags.client().doJSON(ctx, http.MethodPost, meetingPath(args[0], "speakers", args[1], "enroll"),
				map[string]any{"name": args[2]}, &out)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}

	var cachedOnly bool
	summarize := &cobra.Command{
		Use:   "summary <meeting_id>",
		Short: "Summarize a meeting, or show the cached summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout*4)
			defer cancel()
			method := http.MethodPost
			if cachedOnly {
				method = http.MethodGet
			}
			var out identify.SummaryResult
			if err := flags.client().doJSON(ctx, method, meetingPath(args[0], "summary"), nil, &out); err != nil {
				return err
			}
			if out.SessionClosed {
				printInfo(cmd, "all speakers resolved; session closed")
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}
	summarize.Flags().BoolVar(&cachedOnly, "cached", false, "only fetch an existing summary")

	cleanup := &cobra.Command{
		Use:   "cleanup <meeting_id>",
		Short: "Close a meeting session and delete its audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			if err := flags.client().doJSON(ctx, http.MethodPost, meetingPath(args[0], "cleanup"), nil, nil); err != nil {
				return err
			}
			printInfo(cmd, "meeting %s closed", args[0])
			return nil
		},
	}

	cmd.AddCommand(get, watch, clip, confirm, enroll, summarize, cleanup)
	return cmd
}

type speakerList struct {
	Speakers []profile.Summary `json:"speakers"`
}

func newSpeakersCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "speakers",
		Aliases: []string{"profiles"},
		Short:   "Manage enrolled voice profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List enrolled speakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			var out speakerList
			if err := flags.client().doJSON(ctx, http.MethodGet, "/v1/speakers", nil, &out); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}

	enroll := &cobra.Command{
		Use:   "enroll <name> <recording>",
		Short: "Enroll a speaker from a dedicated voice sample",
		Long: `Enroll a speaker from a recording of only their voice.

Samples of 10 to 60 seconds with little silence give the best profiles.

Examples:
  voxtailctl speakers enroll "Ada Lovelace" ada.m4a`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout*4)
			defer cancel()
			c := flags.client()
			req, err := c.upload(ctx, "/v1/speakers/enroll", args[1], map[string]string{"name": args[0]})
			if err != nil {
				return err
			}
			var out identify.EnrollResult
			if err := c.send(req, &out); err != nil {
				return err
			}
			if out.Warning != "" {
				printInfo(cmd, "warning: %s", out.Warning)
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a speaker profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			path := "/v1/speakers/" + url.PathEscape(strings.TrimSpace(args[0]))
			if err := flags.client().doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			printInfo(cmd, "deleted %s", args[0])
			return nil
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the server's speaker list from the profile store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			var out speakerList
			if err := flags.client().doJSON(ctx, http.MethodPost, "/v1/speakers/sync", nil, &out); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), out, flags.json)
		},
	}

	cmd.AddCommand(list, enroll, del, sync)
	return cmd
}

func newConsentCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consent <type> <version>",
		Short: "Record that this device accepted a consent document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			return flags.client().doJSON(ctx, http.MethodPost, "/v1/consent",
				map[string]string{"type": args[0], "version": args[1]}, nil)
		},
	}
}
