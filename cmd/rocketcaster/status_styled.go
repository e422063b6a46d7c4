package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"rocketcaster/pkg/admin"
	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/client"
	"rocketcaster/pkg/gemini"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	secondary    = lipgloss.Color("#8BE9FD") // Cyan
	bgLightColor = lipgloss.Color("#44475A") // Current Line
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle  = valueStyle.Foreground(accentColor)
	warningValueStyle = valueStyle.Foreground(warningColor)
	dangerValueStyle  = valueStyle.Foreground(dangerColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondary).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

type metric struct {
	label string
	value string
	style lipgloss.Style
}

func createPanel(title, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func renderMetrics(metrics []metric) string {
	var content strings.Builder
	for _, m := range metrics {
		content.WriteString(labelStyle.Render(m.label+":") + " " + m.style.Render(m.value) + "\n")
	}
	return strings.TrimSpace(content.String())
}

func statusStyle(status gemini.Status) lipgloss.Style {
	switch status.Class() {
	case 2, 3:
		return accentValueStyle
	case 1, 6:
		return warningValueStyle
	default:
		return dangerValueStyle
	}
}

func renderCertificatePanel(path string, info *auth.CertificateInfo) string {
	state := "VALID"
	style := accentValueStyle
	switch {
	case info.IsExpired:
		state, style = "EXPIRED", dangerValueStyle
	case !info.IsValid:
		state, style = "NOT YET VALID", warningValueStyle
	case info.ExpiresIn < 30*24*time.Hour:
		state, style = "EXPIRING SOON", warningValueStyle
	}

	return createPanel("CERTIFICATE", renderMetrics([]metric{
		{"File", path, valueStyle},
		{"Subject", info.Subject, valueStyle},
		{"Fingerprint", info.Fingerprint, valueStyle},
		{"Not before", info.NotBefore.UTC().Format(time.RFC3339), valueStyle},
		{"Not after", info.NotAfter.UTC().Format(time.RFC3339), valueStyle},
		{"State", state, style},
	}), 0)
}

type statusFlags struct {
	url       string
	certPath  string
	keyPath   string
	healthURL string
	grpcAddr  string
	timeout   time.Duration
}

func statusCmd() *cobra.Command {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a running server",
		Long: `Request a page from the gemini server, read the health endpoint and
query the gRPC health service, then print a summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flags.url == "" {
				flags.url = "gemini://" + hostPort(cfg.Server.Hostname, cfg.Server.Address) + "/"
			}
			if flags.healthURL == "" && cfg.Admin.MetricsAddress != "" {
				flags.healthURL = "http://" + hostPort("localhost", cfg.Admin.MetricsAddress) + "/health"
			}
			if flags.grpcAddr == "" && cfg.Admin.GRPCAddress != "" {
				flags.grpcAddr = hostPort("localhost", cfg.Admin.GRPCAddress)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			fmt.Println(geminiPanel(ctx, flags))
			if flags.healthURL != "" {
				fmt.Println(healthPanel(ctx, flags.healthURL))
			}
			if flags.grpcAddr != "" {
				fmt.Println(grpcPanel(ctx, flags.grpcAddr))
			}
			if info, err := auth.LoadCertificateInfo(cfg.Server.CertFile); err == nil {
				fmt.Println(renderCertificatePanel(cfg.Server.CertFile, info))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "gemini URL to request (default: from config)")
	cmd.Flags().StringVar(&flags.certPath, "cert", "", "client certificate to present")
	cmd.Flags().StringVar(&flags.keyPath, "key", "", "client key")
	cmd.Flags().StringVar(&flags.healthURL, "health-url", "", "HTTP health endpoint (default: from config)")
	cmd.Flags().StringVar(&flags.grpcAddr, "grpc", "", "gRPC health address (default: from config)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

// hostPort fills in host when addr is only ":port".
func hostPort(host, addr string) string {
	h, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if h == "" {
		h = host
	}
	return net.JoinHostPort(h, port)
}

func geminiPanel(ctx context.Context, flags *statusFlags) string {
	c, err := client.New(flags.certPath, flags.keyPath)
	if err != nil {
		return createPanel("GEMINI", dangerValueStyle.Render(err.Error()), 0)
	}
	c.Timeout = flags.timeout

	resp, err := c.Fetch(ctx, flags.url)
	if err != nil {
		return createPanel("GEMINI", renderMetrics([]metric{
			{"URL", flags.url, valueStyle},
			{"Error", err.Error(), dangerValueStyle},
		}), 0)
	}
	defer resp.Body.Close()

	n, _ := io.Copy(io.Discard, resp.Body)
	return createPanel("GEMINI", renderMetrics([]metric{
		{"URL", flags.url, valueStyle},
		{"Status", fmt.Sprintf("%s %s", resp.Status.Label(), resp.Status), statusStyle(resp.Status)},
		{"Meta", resp.Meta, valueStyle},
		{"Body", fmt.Sprintf("%d bytes", n), valueStyle},
		{"Latency", resp.Elapsed.Round(time.Millisecond).String(), valueStyle},
	}), 0)
}

type healthReport struct {
	Status     string                  `json:"status"`
	Components []admin.ComponentStatus `json:"components"`
	LastCheck  time.Time               `json:"last_check"`
}

func healthPanel(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return createPanel("HEALTH", dangerValueStyle.Render(err.Error()), 0)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return createPanel("HEALTH", dangerValueStyle.Render(err.Error()), 0)
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return createPanel("HEALTH", dangerValueStyle.Render("unreadable health report: "+err.Error()), 0)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})
	t.Headers("COMPONENT", "STATUS", "ERROR")

	for _, c := range report.Components {
		state := accentValueStyle.Render("UP")
		if !c.Up {
			state = dangerValueStyle.Render("DOWN")
		}
		t.Row(c.Name, state, c.Error)
	}

	overall := accentValueStyle
	if report.Status != "healthy" {
		overall = dangerValueStyle
	}
	summary := renderMetrics([]metric{
		{"Overall", strings.ToUpper(report.Status), overall},
		{"Last check", report.LastCheck.Local().Format(time.RFC3339), valueStyle},
	})
	return createPanel("HEALTH", lipgloss.JoinVertical(lipgloss.Left, summary, "", t.Render()), 0)
}

func grpcPanel(ctx context.Context, addr string) string {
	status, err := client.CheckHealth(ctx, addr, admin.ServiceName)
	if err != nil {
		return createPanel("GRPC HEALTH", dangerValueStyle.Render(err.Error()), 0)
	}

	style := accentValueStyle
	if status.String() != "SERVING" {
		style = dangerValueStyle
	}
	return createPanel("GRPC HEALTH", renderMetrics([]metric{
		{"Address", addr, valueStyle},
		{"Service", admin.ServiceName, valueStyle},
		{"Status", status.String(), style},
	}), 0)
}
