package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tbk/config"
	. "tbk/tapehardware"
	. "tbk/utils"
)

var serverURL string

// serverOperation posts a drive operation to a running serve command
func serverOperation(operation, short string) *cobra.Command {
	return &cobra.Command{
		Use:   operation + " <drive>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := serverURL
			if base == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				base = baseURL(cfg.Listen)
			}
			ctx, stop := interruptContext()
			defer stop()
			status, err := postOperation(ctx, base, args[0], operation)
			if err != nil {
				return err
			}
			return printOutput(status)
		},
	}
}

// baseURL turns a listen address like ":8080" into a url on this host
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}

func postOperation(ctx context.Context, base, alias, operation string) (StatusSummary, error) {
	target := strings.TrimRight(base, "/") + "/drives/" + url.PathEscape(alias) + "/" + operation
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return StatusSummary{}, ErrInvalidArgument.WithMessagef("%s: %v", target, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return StatusSummary{}, ErrNotFound.WithMessagef("no server at %s: %v", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusInternalServerError {
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return StatusSummary{}, ErrDecode.WithMessagef("%s: %s", target, resp.Status)
		}
		return StatusSummary{}, fmt.Errorf("%s %s: %s", operation, alias, body.Error)
	}
	// 500 carries the status of a drive in Error
	var status StatusSummary
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return StatusSummary{}, ErrDecode.WithMessagef("%s: %v", target, err)
	}
	return status, nil
}

func init() {
	cancelCmd.Flags().StringVar(&serverURL, "server", "", "url of the serve command (default from listen of the configuration)")
	clearCmd.Flags().StringVar(&serverURL, "server", "", "url of the serve command (default from listen of the configuration)")
}
