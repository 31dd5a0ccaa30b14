package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is a thin HTTP client for the task commands. Identity is the
// X-User-ID header, matching what the server's auth proxy would inject.
type apiClient struct {
	base   string
	userID string
	httpc  *http.Client
}

// clientFrom builds a client from the task command's persistent flags.
func clientFrom(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("api")
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		fail(fmt.Errorf("user id required: pass --user or set TORALE_USER"))
	}
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		userID: user,
		httpc:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) delete(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
