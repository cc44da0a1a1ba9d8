// Package catalog provides the read-only product and tier registry used to
// resolve which tier a provider price maps to.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rcourtman/billing-reconciler/internal/models"
	"gopkg.in/yaml.v3"
)

// Catalog resolves products by provider product id or by slug. Both lookups
// return (nil, nil) when nothing matches.
type Catalog interface {
	GetProductByProviderID(ctx context.Context, providerProductID string) (*models.Product, error)
	GetProduct(ctx context.Context, slug string) (*models.Product, error)
}

// File is the on-disk catalog document.
type File struct {
	Products            []models.Product  `yaml:"products"`
	CommissionRateTiers []models.RateTier `yaml:"commission_rate_tiers"`
}

// Static is an immutable in-memory Catalog.
type Static struct {
	bySlug       map[string]*models.Product
	byProviderID map[string]*models.Product
	rateTiers    []models.RateTier
}

// Load reads a YAML catalog file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	c, err := NewStatic(f.Products)
	if err != nil {
		return nil, err
	}
	c.rateTiers = append([]models.RateTier(nil), f.CommissionRateTiers...)
	return c, nil
}

// NewStatic builds a catalog from products. Every product needs a slug and at
// least one tier; the first tier is the entry-level tier.
func NewStatic(products []models.Product) (*Static, error) {
	c := &Static{
		bySlug:       make(map[string]*models.Product, len(products)),
		byProviderID: make(map[string]*models.Product, len(products)),
	}
	for i := range products {
		p := products[i]
		p.Slug = strings.TrimSpace(p.Slug)
		p.ProviderProductID = strings.TrimSpace(p.ProviderProductID)
		if p.Slug == "" {
			return nil, fmt.Errorf("catalog product %d has no slug", i)
		}
		if len(p.Tiers) == 0 {
			return nil, fmt.Errorf("catalog product %q has no tiers", p.Slug)
		}
		if _, dup := c.bySlug[p.Slug]; dup {
			return nil, fmt.Errorf("catalog product %q defined twice", p.Slug)
		}
		c.bySlug[p.Slug] = &p
		if p.ProviderProductID != "" {
			if other, dup := c.byProviderID[p.ProviderProductID]; dup {
				return nil, fmt.Errorf("provider product %q mapped to both %q and %q", p.ProviderProductID, other.Slug, p.Slug)
			}
			c.byProviderID[p.ProviderProductID] = &p
		}
	}
	return c, nil
}

func (c *Static) GetProductByProviderID(_ context.Context, providerProductID string) (*models.Product, error) {
	return clone(c.byProviderID[strings.TrimSpace(providerProductID)]), nil
}

func (c *Static) GetProduct(_ context.Context, slug string) (*models.Product, error) {
	return clone(c.bySlug[strings.TrimSpace(slug)]), nil
}

// RateTiers returns the commission rate tiers declared in the catalog file.
func (c *Static) RateTiers() []models.RateTier {
	return append([]models.RateTier(nil), c.rateTiers...)
}

// Len returns the number of products.
func (c *Static) Len() int {
	return len(c.bySlug)
}

func clone(p *models.Product) *models.Product {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tiers = append([]models.TierDefinition(nil), p.Tiers...)
	return &cp
}
