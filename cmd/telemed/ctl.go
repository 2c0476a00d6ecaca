package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/paulomaciel91/cactosaude-sub003/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type ctlOptions struct {
	server   string
	user     string
	password string
}

// newCtlCmd drives a running server through its control API.
func newCtlCmd() *cobra.Command {
	opts := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control sessions on a running server.",
	}
	// Configuration belongs to the server, the client only needs flags.
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }

	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start [room id or code]",
			Short: "Start a room, or join the given one.",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.login(cmd)
				if err != nil {
					return err
				}
				var roomID string
				if len(args) == 1 {
					roomID = args[0]
				}
				res, err := c.StartSession(cmd.Context(), roomID)
				if err != nil {
					return err
				}
				return printJSON(res)
			},
		},
		&cobra.Command{
			Use:   "status <session id>",
			Short: "Show a session.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.login(cmd)
				if err != nil {
					return err
				}
				status, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(status)
			},
		},
		&cobra.Command{
			Use:       "toggle <session id> <mic|camera|screen>",
			Short:     "Flip the microphone, camera or screen share.",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{"mic", "camera", "screen"},
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.login(cmd)
				if err != nil {
					return err
				}
				enabled, err := c.Toggle(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"device": args[1], "enabled": enabled})
			},
		},
		&cobra.Command{
			Use:   "end <session id>",
			Short: "Hang up.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.login(cmd)
				if err != nil {
					return err
				}
				return c.EndSession(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "room <room id or code>",
			Short: "Show a room and who is in it.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				room, err := client.New(opts.server).Room(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(room)
			},
		},
	)
	return cmd
}

func (o *ctlOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.server, "server", "http://localhost:8080", "control API address")
	fs.StringVarP(&o.user, "user", "u", "", "user to log in as")
	fs.StringVarP(&o.password, "password", "p", "", "password")
}

func (o *ctlOptions) login(cmd *cobra.Command) (*client.Client, error) {
	if o.user == "" {
		return nil, errors.New("--user is required")
	}
	c := client.New(o.server)
	if _, err := c.Login(cmd.Context(), o.user, o.password); err != nil {
		return nil, err
	}
	return c, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
