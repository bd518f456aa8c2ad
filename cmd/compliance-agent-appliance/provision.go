package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// provisionResponse is what the control plane returns when a provisioning
// code is redeemed. The code is single-use server-side.
type provisionResponse struct {
	SiteID      string `json:"site_id"`
	APIKey      string `json:"api_key"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// runProvisioning exchanges a provisioning code for site credentials and
// writes them to the config file. Interactive mode prompts on stdin; an
// empty code cancels.
func runProvisioning(endpoint, configPath, code string, interactive bool) error {
	if interactive {
		fmt.Print("Provisioning code: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read code: %w", err)
		}
		code = strings.TrimSpace(line)
		if code == "" {
			return fmt.Errorf("cancelled: no code entered")
		}
	}

	hostname, _ := os.Hostname()
	body, _ := json.Marshal(map[string]string{
		"provision_code": code,
		"hostname":       hostname,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/api/appliances/provision", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact control plane: %w", err)
	}
	defer resp.Body.Close()

	var pr provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if pr.Error != "" {
			return fmt.Errorf("control plane rejected code: %s", pr.Error)
		}
		return fmt.Errorf("control plane returned HTTP %d", resp.StatusCode)
	}
	if pr.SiteID == "" || pr.APIKey == "" {
		return fmt.Errorf("control plane response missing credentials")
	}

	if pr.APIEndpoint == "" {
		pr.APIEndpoint = endpoint
	}
	if err := writeProvisionedConfig(configPath, pr); err != nil {
		return err
	}

	fmt.Printf("Provisioned as site %s, config written to %s\n", pr.SiteID, configPath)
	return nil
}

// writeProvisionedConfig writes a minimal config.yaml atomically, backing up
// any existing file first.
func writeProvisionedConfig(path string, pr provisionResponse) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("backup existing config: %w", err)
		}
	}

	data, err := yaml.Marshal(map[string]string{
		"site_id":      pr.SiteID,
		"api_key":      pr.APIKey,
		"api_endpoint": pr.APIEndpoint,
	})
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
