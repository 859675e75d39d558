package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the credential pool",
	Long:  `List, add, remove, and toggle session credentials on a running server.`,
}

func init() {
	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := manageRequest(cmd, http.MethodGet, "/manage/credentials", nil)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				fmt.Println(string(body))
				return nil
			}
			var resp struct {
				Credentials []struct {
					ID           int64      `json:"id"`
					SessionToken string     `json:"session_token"`
					Credits      int        `json:"credits"`
					Enabled      bool       `json:"enabled"`
					ErrorCount   int        `json:"error_count"`
					Ban          string     `json:"ban"`
					BanExpires   *time.Time `json:"ban_expires"`
				} `json:"credentials"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			fmt.Printf("%-5s  %-20s  %-8s  %-8s  %-7s  %-14s\n",
				"ID", "Session", "Credits", "Enabled", "Errors", "Ban")
			for _, c := range resp.Credentials {
				ban := c.Ban
				if c.BanExpires != nil {
					ban = fmt.Sprintf("%s until %s", c.Ban, c.BanExpires.Format("15:04:05"))
				}
				fmt.Printf("%-5d  %-20s  %-8d  %-8t  %-7d  %-14s\n",
					c.ID, c.SessionToken, c.Credits, c.Enabled, c.ErrorCount, ban)
			}
			return nil
		},
	}

	var addCmd = &cobra.Command{
		Use:   "add <session-token>",
		Short: "Add a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"session_token": args[0]}
			body, err := manageRequest(cmd, http.MethodPost, "/manage/credentials", payload)
			if err != nil {
				return err
			}
			var resp struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return err
			}
			fmt.Printf("Credential %d added.\n", resp.ID)
			return nil
		},
	}

	var removeCmd = &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := manageRequest(cmd, http.MethodDelete, "/manage/credentials/"+args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("Credential %s removed.\n", args[0])
			return nil
		},
	}

	toggle := func(enabled bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			payload := map[string]bool{"enabled": enabled}
			_, err := manageRequest(cmd, http.MethodPatch, "/manage/credentials/"+args[0], payload)
			if err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Printf("Credential %s %s.\n", args[0], state)
			return nil
		}
	}

	var enableCmd = &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a credential, clearing any ban",
		Args:  cobra.ExactArgs(1),
		RunE:  toggle(true),
	}

	var disableCmd = &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a credential",
		Args:  cobra.ExactArgs(1),
		RunE:  toggle(false),
	}

	for _, c := range []*cobra.Command{listCmd, addCmd, removeCmd, enableCmd, disableCmd} {
		c.Flags().String("management-token", "", "Management token (overrides env)")
		c.Flags().Bool("json", false, "Output as JSON")
		credentialCmd.AddCommand(c)
	}
}

// manageRequest performs one authenticated call against the management API.
func manageRequest(cmd *cobra.Command, method, path string, payload any) ([]byte, error) {
	_ = godotenv.Load()

	token, _ := cmd.Flags().GetString("management-token")
	if token == "" {
		token = os.Getenv("MANAGEMENT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("management token is required (set MANAGEMENT_TOKEN or use --management-token)")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, manageAPIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	return out, nil
}
