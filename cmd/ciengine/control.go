package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func runRebuild(cmd *cobra.Command, args []string) error {
	return postControl(cmd, "rebuild")
}

func runCancel(cmd *cobra.Command, args []string) error {
	return postControl(cmd, "cancel")
}

// postControl hits /api/v1/{action}/{branch} on a running engine's web API,
// the same two routes internal/webapi registers for the web UI's buttons.
func postControl(cmd *cobra.Command, action string) error {
	api, _ := cmd.Flags().GetString("api")
	branch, _ := cmd.Flags().GetString("branch")

	url := strings.TrimRight(api, "/") + "/api/v1/" + action + "/" + branch
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("ciengine: calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ciengine: %s %s: %s", action, branch, string(body))
	}
	fmt.Println(string(body))
	return nil
}
