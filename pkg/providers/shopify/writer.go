// Package shopify writes SEO fields to a store through the Admin GraphQL API.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/apply"
)

// Config configures the Admin API writer.
type Config struct {
	ShopDomain  string  // e.g. example.myshopify.com. Required.
	AccessToken string  // Admin API access token. Required.
	APIVersion  string  // Default 2024-10.
	RatePerSec  float64 // Request rate. Default 2.
	// Endpoint overrides the URL derived from ShopDomain and APIVersion.
	Endpoint string
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() *Config {
	return &Config{
		APIVersion: "2024-10",
		RatePerSec: 2,
	}
}

// ConfigFromEnv loads config from environment variables.
// PLAYBOOK_SHOPIFY_SHOP_DOMAIN, PLAYBOOK_SHOPIFY_ACCESS_TOKEN,
// PLAYBOOK_SHOPIFY_API_VERSION, PLAYBOOK_SHOPIFY_RATE_PER_SEC
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ShopDomain = os.Getenv("PLAYBOOK_SHOPIFY_SHOP_DOMAIN")
	cfg.AccessToken = os.Getenv("PLAYBOOK_SHOPIFY_ACCESS_TOKEN")
	if v := os.Getenv("PLAYBOOK_SHOPIFY_API_VERSION"); v != "" {
		cfg.APIVersion = v
	}
	if v := os.Getenv("PLAYBOOK_SHOPIFY_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RatePerSec = f
		}
	}
	return cfg
}

// Validate checks that the writer can address a store.
func (c *Config) Validate() error {
	if c.Endpoint == "" && c.ShopDomain == "" {
		return fmt.Errorf("shopify shop domain is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("shopify access token is required")
	}
	return nil
}

func (c *Config) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", c.ShopDomain, c.APIVersion)
}

// Writer implements apply.AssetWriter.
type Writer struct {
	cfg     *Config
	http    *http.Client
	limiter *rate.Limiter
}

var _ apply.AssetWriter = (*Writer)(nil)

// NewWriter creates a Writer. A nil httpClient uses http.DefaultClient.
func NewWriter(cfg *Config, httpClient *http.Client) (*Writer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Writer{cfg: cfg, http: httpClient, limiter: rate.NewLimiter(limit, 1)}, nil
}

const (
	productMutation = `mutation($input: ProductInput!) {
  productUpdate(input: $input) { product { id } userErrors { field message } }
}`
	collectionMutation = `mutation($input: CollectionInput!) {
  collectionUpdate(input: $input) { collection { id } userErrors { field message } }
}`
	pageMutation = `mutation($id: ID!, $page: PageUpdateInput!) {
  pageUpdate(id: $id, page: $page) { page { id } userErrors { field message } }
}`
)

// Page SEO lives in the global title_tag and description_tag metafields.
var pageMetafieldKey = map[playbook.Field]string{
	playbook.FieldSEOTitle:       "title_tag",
	playbook.FieldSEODescription: "description_tag",
}

// UpdateField sets one SEO field of the asset identified by its GID, for
// example gid://shopify/Product/123.
func (w *Writer) UpdateField(ctx context.Context, externalID string, field playbook.Field, value string) error {
	kind, err := gidKind(externalID)
	if err != nil {
		return err
	}

	seo := map[string]string{}
	switch field {
	case playbook.FieldSEOTitle:
		seo["title"] = value
	case playbook.FieldSEODescription:
		seo["description"] = value
	default:
		return fmt.Errorf("unsupported field %q", field)
	}

	var query, op string
	var vars map[string]any
	switch kind {
	case "Product":
		query, op = productMutation, "productUpdate"
		vars = map[string]any{"input": map[string]any{"id": externalID, "seo": seo}}
	case "Collection":
		query, op = collectionMutation, "collectionUpdate"
		vars = map[string]any{"input": map[string]any{"id": externalID, "seo": seo}}
	case "Page", "OnlineStorePage":
		query, op = pageMutation, "pageUpdate"
		vars = map[string]any{
			"id": externalID,
			"page": map[string]any{"metafields": []map[string]string{{
				"namespace": "global",
				"key":       pageMetafieldKey[field],
				"type":      "single_line_text_field",
				"value":     value,
			}}},
		}
	default:
		return fmt.Errorf("unsupported asset kind %q in %s", kind, externalID)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.mutate(ctx, query, op, vars)
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

type mutationPayload struct {
	UserErrors []userError `json:"userErrors"`
}

type gqlResponse struct {
	Data   map[string]*mutationPayload `json:"data"`
	Errors []gqlError                  `json:"errors"`
}

func (w *Writer) mutate(ctx context.Context, query, op string, vars map[string]any) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", w.cfg.AccessToken)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", apply.ErrAssetNotFound, strings.TrimSpace(string(msg)))
		}
		return fmt.Errorf("shopify returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, len(out.Errors))
		notFound := false
		for i, e := range out.Errors {
			msgs[i] = e.Message
			notFound = notFound || e.Extensions.Code == "RESOURCE_NOT_FOUND" || isNotFound(e.Message)
		}
		err := errors.New(strings.Join(msgs, "; "))
		if notFound {
			return fmt.Errorf("%w: %v", apply.ErrAssetNotFound, err)
		}
		return fmt.Errorf("shopify %s failed: %w", op, err)
	}

	payload := out.Data[op]
	if payload == nil {
		return fmt.Errorf("%w: %s returned no payload", apply.ErrAssetNotFound, op)
	}
	if len(payload.UserErrors) > 0 {
		msgs := make([]string, len(payload.UserErrors))
		notFound := false
		for i, ue := range payload.UserErrors {
			msgs[i] = ue.Message
			notFound = notFound || isNotFound(ue.Message)
		}
		err := errors.New(strings.Join(msgs, "; "))
		if notFound {
			return fmt.Errorf("%w: %v", apply.ErrAssetNotFound, err)
		}
		return fmt.Errorf("shopify %s rejected the update: %w", op, err)
	}
	return nil
}

func isNotFound(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "does not exist") || strings.Contains(m, "not found")
}

// gidKind returns the resource kind of a GID such as gid://shopify/Product/1.
func gidKind(gid string) (string, error) {
	rest, ok := strings.CutPrefix(gid, "gid://")
	parts := strings.Split(rest, "/")
	if !ok || len(parts) < 2 || parts[len(parts)-1] == "" {
		return "", fmt.Errorf("invalid shopify id %q", gid)
	}
	return parts[len(parts)-2], nil
}
