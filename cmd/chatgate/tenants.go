package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"

	"github.com/harunnryd/chatgate/internal/config"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List configured tenants",
	Long:  `List configured tenants. With --live, connection states are read from a running gateway's /health endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var states map[string]string
		if live, _ := cmd.Flags().GetBool("live"); live {
			url := fmt.Sprintf("http://127.0.0.1:%d/health", loadedCfg.Server.Port)
			states, err = fetchStates(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("query %s: %w", url, err)
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderTenants(loadedCfg.Tenants, states))
		return nil
	},
}

type tenantTable struct {
	headerStyle  lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func newTenantTable() tenantTable {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return tenantTable{
		headerStyle:  lipgloss.NewStyle().Foreground(purple).Bold(true).Align(lipgloss.Center).Padding(0, 1),
		oddRowStyle:  lipgloss.NewStyle().Foreground(gray).Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().Foreground(lightGray).Padding(0, 1),
		borderStyle:  lipgloss.NewStyle().Foreground(purple),
	}
}

// renderTenants draws one row per tenant. states maps "platform/tenant" to a
// connection state and may be nil.
func renderTenants(tenants []config.TenantConfig, states map[string]string) string {
	if len(tenants) == 0 {
		return "No tenants configured"
	}
	f := newTenantTable()

	headers := []string{"Platform", "Tenant", "Enabled", "Credentials", "Settings"}
	if states != nil {
		headers = append(headers, "State")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)

	for _, tenant := range tenants {
		row := []string{
			tenant.Platform,
			tenant.ID,
			fmt.Sprintf("%t", tenant.IsEnabled()),
			credentialSummary(tenant.Credentials),
			settingsSummary(tenant.Settings),
		}
		if states != nil {
			state, ok := states[tenant.Platform+"/"+tenant.ID]
			if !ok {
				state = "-"
			}
			row = append(row, state)
		}
		t.Row(row...)
	}
	return t.String()
}

// credentialSummary names the credentials and marks unset ones.
func credentialSummary(creds map[string]string) string {
	names := sortedKeys(creds)
	for i, name := range names {
		if creds[name] == "" {
			names[i] = name + " (unset)"
		}
	}
	return strings.Join(names, ", ")
}

func settingsSummary(settings map[string]string) string {
	names := sortedKeys(settings)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + settings[name]
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fetchStates(ctx context.Context, url string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Adapters []struct {
			Key struct {
				Platform string `json:"platform"`
				TenantID string `json:"tenant_id"`
			} `json:"key"`
			State string `json:"state"`
		} `json:"adapters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}

	states := make(map[string]string, len(body.Adapters))
	for _, a := range body.Adapters {
		states[a.Key.Platform+"/"+a.Key.TenantID] = a.State
	}
	return states, nil
}

func init() {
	tenantsCmd.Flags().Bool("live", false, "include connection states from the running gateway")
	rootCmd.AddCommand(tenantsCmd)
}
