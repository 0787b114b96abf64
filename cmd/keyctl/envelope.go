package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"qkd-key-manager/pkg/envelope"
)

// fetchActiveKey はAPIから有効な鍵の鍵素材を取得する。
func fetchActiveKey(client *apiClient, keyID string) ([]byte, error) {
	body, err := client.do(http.MethodGet, "/v1/keys/"+url.PathEscape(keyID)+"?require_active=true", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var key keyResponse
	if err := json.Unmarshal(body, &key); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	material, err := base64.StdEncoding.DecodeString(key.Key)
	if err != nil || len(material) == 0 {
		return nil, fmt.Errorf("key %s has no usable material", keyID)
	}
	return material, nil
}

// readInput は path が "-" または空なら標準入力、それ以外はファイルを読む。
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// sealCmd はメッセージをローカルで暗号化するコマンド。鍵素材のみAPIから取得する。
func sealCmd() *cobra.Command {
	var (
		keyID, message, input, algorithm string
		armor                            bool
	)
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a message with a QKD key into an envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			plaintext := []byte(message)
			if message == "" {
				if plaintext, err = readInput(cmd, input); err != nil {
					return fmt.Errorf("reading input: %w", err)
				}
			}

			key, err := fetchActiveKey(client, keyID)
			if err != nil {
				return err
			}
			env, err := envelope.Seal(keyID, key, plaintext, envelope.WithAlgorithm(algorithm))
			if err != nil {
				return err
			}

			if armor {
				block, err := envelope.Armor(env)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), block)
				return nil
			}
			data, err := envelope.Marshal(env)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (required)")
	cmd.Flags().StringVar(&message, "message", "", "Message to encrypt (reads --in when empty)")
	cmd.Flags().StringVar(&input, "in", "-", "Input file, - for stdin")
	cmd.Flags().StringVar(&algorithm, "algorithm", envelope.AlgorithmAES256GCM, "AES-256-GCM or ChaCha20-Poly1305")
	cmd.Flags().BoolVar(&armor, "armor", false, "Wrap the envelope in payload marker lines")
	cmd.MarkFlagRequired("key")
	return cmd
}

// openCmd はエンベロープをローカルで復号するコマンド。
func openCmd() *cobra.Command {
	var (
		input string
		armor bool
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt an envelope with its QKD key",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			data, err := readInput(cmd, input)
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			var env *envelope.Envelope
			if armor {
				env, err = envelope.Extract(string(data))
			} else {
				env, err = envelope.Unmarshal(data)
			}
			if err != nil {
				return err
			}

			key, err := fetchActiveKey(client, env.KeyID)
			if err != nil {
				return err
			}
			plaintext, err := envelope.Open(env, key)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}
	cmd.Flags().StringVar(&input, "in", "-", "Envelope file, - for stdin")
	cmd.Flags().BoolVar(&armor, "armor", false, "Extract the envelope from payload marker lines")
	return cmd
}
