package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"segd/pkg/types"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		url     string
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running segd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				url = baseURL(cfg.Addr)
			}
			st, raw, err := fetchStatus(cmd.Context(), url)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rawJSON {
				_, err = out.Write(append(raw, '\n'))
				return err
			}
			printStatus(out, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Base URL of the daemon (default derived from the configured address)")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "Print the raw JSON response")
	return cmd
}

// baseURL turns a listen address into a URL usable from the same host.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, base string) (types.StatusResponse, []byte, error) {
	var st types.StatusResponse
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return st, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, nil, fmt.Errorf("segd not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return st, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return st, raw, fmt.Errorf("status request failed: %s", resp.Status)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, raw, fmt.Errorf("decode status: %w", err)
	}
	return st, raw, nil
}

func printStatus(w io.Writer, st types.StatusResponse) {
	fmt.Fprintf(w, "State:    %s\n", st.State)
	if st.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", st.Error)
	}
	if st.PID > 0 {
		fmt.Fprintf(w, "Worker:   pid %d, rss %d MiB, cpu %.1f%%\n", st.PID, st.RSSBytes>>20, st.CPUPercent)
	}
	fmt.Fprintf(w, "Pending:  %d\n", st.Pending)
	fmt.Fprintf(w, "Uptime:   %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	if st.LastProtocolError != "" {
		fmt.Fprintf(w, "Protocol: %s\n", st.LastProtocolError)
	}
	if len(st.Sessions) == 0 {
		fmt.Fprintln(w, "Sessions: none")
		return
	}
	fmt.Fprintln(w, "Sessions:")
	for _, s := range st.Sessions {
		obj := "-"
		if s.ActiveObjectID != nil {
			obj = fmt.Sprint(*s.ActiveObjectID)
		}
		fmt.Fprintf(w, "  %-24s %5d frames  %dx%d  object %s\n", s.VideoID, s.FrameCount, s.Width, s.Height, obj)
	}
}
