package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigcrew/internal/paywall"
	"gigcrew/internal/service/llm"
	"gigcrew/internal/service/status"
)

var checkProviders bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which credentials are loaded",
	Long: `Print the configuration status page: every credential read from the
environment or .env, redacted. With --check, also initialise a client for
each configured provider.`,
	RunE: runStatus,
}

var (
	articleServer string
	articleToken  string
	articleFile   string
	payDelay      time.Duration
)

var articleCmd = &cobra.Command{
	Use:   "article",
	Short: "Upload a brief and print the article, paying if asked",
	RunE:  runArticle,
}

func init() {
	statusCmd.Flags().BoolVar(&checkProviders, "check", false, "Initialise each provider's client")

	articleCmd.Flags().StringVar(&articleServer, "server", "http://localhost:8090", "gigcrew server URL")
	articleCmd.Flags().StringVar(&articleToken, "token", os.Getenv("GIGCREW_TOKEN"), "Client token (or set GIGCREW_TOKEN)")
	articleCmd.Flags().StringVar(&articleFile, "file", "", "Brief to expand (.txt or .md)")
	articleCmd.Flags().DurationVar(&payDelay, "pay-delay", 2*time.Second, "Simulated payment signing time")
	_ = articleCmd.MarkFlagRequired("file")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	checker := status.NewChecker(cfg.Credentials, llm.NewFactory(cfg, logger), logger)
	report := checker.Report(cmd.Context(), checkProviders)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration Status")
	for _, c := range report.Credentials {
		mark := "✅"
		if !c.Present {
			mark = "❌"
		}
		line := fmt.Sprintf("%s %s: %s", mark, c.Name, c.Message)
		if c.Redacted != "" {
			line += " (" + c.Redacted + ")"
		}
		fmt.Fprintln(out, line)
	}
	for _, p := range report.Providers {
		mark := "✅"
		if !p.OK {
			mark = "❌"
		}
		fmt.Fprintf(out, "%s %s [%s]: %s\n", mark, p.Provider, p.Model, p.Message)
	}
	return nil
}

func runArticle(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(articleToken) == "" {
		return errors.New("a client token is required (--token or GIGCREW_TOKEN)")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	brief, err := os.ReadFile(articleFile)
	if err != nil {
		return fmt.Errorf("read brief: %w", err)
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(articleFile))
	if err != nil {
		return err
	}
	if _, err := part.Write(brief); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	url := strings.TrimRight(articleServer, "/") + "/api/articles"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+articleToken)

	client := &paywall.Client{
		HTTP:   &http.Client{Timeout: 5 * time.Minute},
		Payer:  paywall.SimulatedPayer{Delay: payDelay},
		Logger: logger,
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	out := cmd.OutOrStdout()
	if receipt, ok := decodeReceipt(resp.Header.Get(paywall.HeaderPaymentResponse)); ok {
		if receipt.Kind == "payment" {
			fmt.Fprintf(out, "Paid %s.\n\n", receipt.Amount)
		} else {
			fmt.Fprintf(out, "Free article, %d left this week.\n\n", receipt.Remain)
		}
	}
	var result struct {
		Article string `json:"article"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decode article: %w", err)
	}
	fmt.Fprintln(out, result.Article)
	return nil
}

func decodeReceipt(header string) (paywall.Receipt, bool) {
	var r paywall.Receipt
	if header == "" {
		return r, false
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return r, false
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, false
	}
	return r, true
}
