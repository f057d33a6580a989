package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "send <TYPE>",
		Short: "Send a control message to a running server",
		Long: `Send a control message to a running server and print its reply.

Known types: SKIP_WAITING, PROCESS_QUEUE, CLEAR_ALL_CACHES, GET_VERSION.`,
		Example: `  offgrid send GET_VERSION
  offgrid send PROCESS_QUEUE --addr http://localhost:9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			base := addr
			if base == "" {
				base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			target := strings.TrimRight(base, "/") + cfg.Server.ControlPrefix + "/messages"

			body, err := json.Marshal(map[string]string{"type": strings.ToUpper(args[0])})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := (&http.Client{Timeout: time.Minute}).Do(req)
			if err != nil {
				return fmt.Errorf("send %s: %w", args[0], err)
			}
			defer resp.Body.Close()
			reply, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatReply(reply, isTerminal(cmd.OutOrStdout())))
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server answered %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default http://localhost:<server.port>)")
	return cmd
}

// formatReply indents JSON replies for humans and leaves them compact for
// pipes.
func formatReply(reply []byte, pretty bool) string {
	if pretty {
		var out bytes.Buffer
		if json.Indent(&out, reply, "", "  ") == nil {
			return strings.TrimSpace(out.String())
		}
	}
	return strings.TrimSpace(string(reply))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
