package quota

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// UnlimitedQuota is the quota recorded for unlimited tiers.
const UnlimitedQuota int64 = 1<<53 - 1

//go:embed tiers.yaml
var defaultTiers []byte

// TierSpec describes the quota granted by one tier.
type TierSpec struct {
	Name         Tier  `yaml:"name" json:"name"`
	Quota        int64 `yaml:"quota" json:"quota"`
	Unlimited    bool  `yaml:"unlimited" json:"unlimited"`
	ValidityDays int   `yaml:"validity_days" json:"validityDays"`
}

// Catalog maps tiers to the quota a new bundle receives.
type Catalog struct {
	tiers map[Tier]TierSpec
}

// DefaultCatalog returns the built-in tier catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultTiers)
	if err != nil {
		panic(fmt.Sprintf("built-in tier catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a tier catalog from a YAML file. An empty path
// returns the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		return nil, fmt.Errorf("tier catalog %s: expected a .yaml file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tier catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("tier catalog %s: %w", path, err)
	}
	slog.Info("tier catalog loaded", "path", path, "tiers", len(c.tiers))
	return c, nil
}

// ParseCatalog decodes a YAML tier catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Tiers []TierSpec `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing tiers: %w", err)
	}

	c := &Catalog{tiers: make(map[Tier]TierSpec, len(doc.Tiers))}
	for _, spec := range doc.Tiers {
		if !spec.Name.Valid() {
			return nil, fmt.Errorf("unknown tier %q", spec.Name)
		}
		if _, dup := c.tiers[spec.Name]; dup {
			return nil, fmt.Errorf("tier %q listed twice", spec.Name)
		}
		if spec.Unlimited {
			spec.Quota = UnlimitedQuota
		}
		if spec.Quota <= 0 {
			return nil, fmt.Errorf("tier %q: quota must be positive", spec.Name)
		}
		if spec.ValidityDays < 0 {
			return nil, fmt.Errorf("tier %q: validity_days must not be negative", spec.Name)
		}
		c.tiers[spec.Name] = spec
	}
	for _, t := range []Tier{TierBasic, TierPro, TierEnterprise} {
		if _, ok := c.tiers[t]; !ok {
			return nil, fmt.Errorf("tier %q is missing", t)
		}
	}
	return c, nil
}

// Quota returns the quota granted by tier.
func (c *Catalog) Quota(t Tier) (int64, bool) {
	spec, ok := c.tiers[t]
	return spec.Quota, ok
}

// IsUnlimited reports whether tier grants unlimited quota.
func (c *Catalog) IsUnlimited(t Tier) bool {
	return c.tiers[t].Unlimited
}

// Tiers returns every tier spec ordered by quota.
func (c *Catalog) Tiers() []TierSpec {
	specs := make([]TierSpec, 0, len(c.tiers))
	for _, s := range c.tiers {
		specs = append(specs, s)
	}
	slices.SortFunc(specs, func(a, b TierSpec) int {
		switch {
		case a.Quota < b.Quota:
			return -1
		case a.Quota > b.Quota:
			return 1
		}
		return strings.Compare(string(a.Name), string(b.Name))
	})
	return specs
}

// NewBundle builds an unsaved bundle for userID at the tier's full quota.
// A nil expiresAt falls back to the tier's validity period, if any.
func (c *Catalog) NewBundle(userID string, t Tier, expiresAt *time.Time, now time.Time) (Bundle, error) {
	spec, ok := c.tiers[t]
	if !ok {
		return Bundle{}, fmt.Errorf("unknown bundle tier %q", t)
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return Bundle{}, fmt.Errorf("bundle expiry %s is not in the future", expiresAt.Format(time.RFC3339))
	}
	if expiresAt == nil && spec.ValidityDays > 0 {
		exp := now.AddDate(0, 0, spec.ValidityDays)
		expiresAt = &exp
	}
	return Bundle{
		ID:             uuid.NewString(),
		UserID:         userID,
		Tier:           t,
		TotalQuota:     spec.Quota,
		RemainingQuota: spec.Quota,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}, nil
}
