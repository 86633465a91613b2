package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/diaspora-node/internal/stream"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <node-url> <tag>",
		Short: "Follow the public posts of a tag on a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := streamURL(args[0], args[1])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = stream.Watch(ctx, target, setupLogger(verbose), func(ev stream.Event) {
				fmt.Printf("%s %s %s\n  %s\n",
					labelStyle.Render(ev.CreatedAt.Local().Format(time.DateTime)),
					valueStyle.Render(ev.GUID),
					tags(ev.Tags),
					ev.Text,
				)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// streamURL maps a node base URL to the websocket URL of a tag stream.
func streamURL(base, tag string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid node url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid node url %q: must be http or https", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/tags/" + url.PathEscape(strings.TrimPrefix(tag, "#")) + "/stream"
	return u.String(), nil
}
