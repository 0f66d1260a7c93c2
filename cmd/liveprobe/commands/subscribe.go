package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/liveprobe/liveprobe/pkg/protocol"
	"github.com/liveprobe/liveprobe/pkg/subscription"
)

func newSubscribeCommand() *cobra.Command {
	var (
		baseURL string
		keys    []string
		source  string
		line    int
		token   string
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream instrument events as JSON lines",
		Long: `Subscribe to instrument events and write every envelope to stdout as a
JSON-lines frame whose address is the envelope type.

Entity keys:
  instruments            lifecycle events for every instrument
  instrument:<id>        events for one instrument
  location:<source>:<n>  events at a location`,
		Example: `  # Follow every lifecycle event
  liveprobe subscribe --keys instruments

  # Follow hits on FileA line 10
  liveprobe subscribe --source FileA --line 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("LIVEPROBE_TOKEN")
			}
			target, err := subscribeURL(baseURL, keys, source, line)
			if err != nil {
				return err
			}
			header := http.Header{}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
			ws, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), target, header)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", target, err)
			}
			defer ws.Close()
			log.Info().Str("url", target).Msg("Subscribed")
			return streamEnvelopes(cmd.Context(), ws, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "ws://localhost:8080/subscribe", "subscriber socket url")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "entity keys to subscribe to")
	cmd.Flags().StringVar(&source, "source", "", "subscribe to a location in this source")
	cmd.Flags().IntVar(&line, "line", 0, "line of the location")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $LIVEPROBE_TOKEN)")

	return cmd
}

func subscribeURL(base string, keys []string, source string, line int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if len(keys) == 0 && source == "" {
		return "", fmt.Errorf("either --keys or --source is required")
	}
	q := u.Query()
	if len(keys) > 0 {
		q.Set("keys", strings.Join(keys, ","))
	}
	if source != "" {
		q.Set("source", source)
		if line > 0 {
			q.Set("line", fmt.Sprint(line))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// streamEnvelopes copies envelopes from ws to out until the socket closes or
// ctx is done.
func streamEnvelopes(ctx context.Context, ws *websocket.Conn, out io.Writer) error {
	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
		_ = ws.Close()
	}()

	enc := protocol.NewEncoder(out)
	for {
		var env subscription.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("subscriber socket: %w", err)
		}
		if env.Type == subscription.EnvelopeError {
			log.Warn().Str("error", env.Error).Msg("Subscription error")
		}
		if err := enc.EncodeMessage(env.Type, env); err != nil {
			return err
		}
	}
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}
