package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// requestCmd は鍵の発行コマンド。
func requestCmd() *cobra.Command {
	var (
		sender, recipient, usage string
		bits                     int
		lifetime                 int64
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a new key for a sender/recipient pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			body, err := client.do(http.MethodPost, "/v1/keys", map[string]interface{}{
				"sender":           sender,
				"recipient":        recipient,
				"length_bits":      bits,
				"usage":            usage,
				"lifetime_seconds": lifetime,
			}, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var key keyResponse
			if err := json.Unmarshal(body, &key); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Issued %s (%d bits, expires %s)\n", key.KeyID, key.LengthBits, key.ExpiresAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "Sender identity (required)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient identity (required)")
	cmd.Flags().IntVar(&bits, "bits", 0, "Key length in bits (server default when omitted)")
	cmd.Flags().StringVar(&usage, "usage", "", "Usage tag (server default when omitted)")
	cmd.Flags().Int64Var(&lifetime, "lifetime", 0, "Lifetime in seconds (server default when omitted)")
	cmd.MarkFlagRequired("sender")
	cmd.MarkFlagRequired("recipient")
	return cmd
}

// getCmd は鍵の取得コマンド。
func getCmd() *cobra.Command {
	var requireActive bool
	cmd := &cobra.Command{
		Use:   "get KEY_ID",
		Short: "Get a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			path := "/v1/keys/" + url.PathEscape(args[0])
			if requireActive {
				path += "?require_active=true"
			}
			body, err := client.do(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var key keyResponse
			if err := json.Unmarshal(body, &key); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if key.Key == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", key.KeyID, key.Status)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&requireActive, "require-active", false, "Fail unless the key is active")
	return cmd
}

// consumeCmd は鍵の消費コマンド。
func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume KEY_ID",
		Short: "Mark a key as consumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			body, err := client.do(http.MethodPost, "/v1/keys/"+url.PathEscape(args[0])+"/consume", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Consumed %s\n", args[0])
			return nil
		},
	}
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var (
		owner string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys where the owner is sender or recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("owner", owner)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			body, err := client.do(http.MethodGet, "/v1/keys?"+q.Encode(), nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Keys []keyResponse `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY_ID\tSENDER\tRECIPIENT\tBITS\tSTATUS\tEXPIRES_AT")
			for _, k := range result.Keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", k.KeyID, k.Sender, k.Recipient, k.LengthBits, k.Status, k.ExpiresAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Sender or recipient identity (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of keys")
	cmd.MarkFlagRequired("owner")
	return cmd
}

// usageCmd は利用ログの取得コマンド。
func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage KEY_ID",
		Short: "Show the usage log of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			body, err := client.do(http.MethodGet, "/v1/keys/"+url.PathEscape(args[0])+"/usage", nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Entries []struct {
					Action    string `json:"action"`
					Timestamp string `json:"timestamp"`
					Details   string `json:"details"`
				} `json:"entries"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tACTION\tDETAILS")
			for _, e := range result.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp, e.Action, e.Details)
			}
			return w.Flush()
		},
	}
}
