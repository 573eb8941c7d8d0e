package payment

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed networks.yaml
var defaultNetworks []byte

// NetworkDescriptor describes one supported network. Descriptors are built
// once at start-up and shared read-only.
type NetworkDescriptor struct {
	ID                    string         `yaml:"id" json:"id"`
	Name                  string         `yaml:"name" json:"name"`
	Symbol                string         `yaml:"symbol" json:"symbol"`
	CAIP2                 string         `yaml:"caip2" json:"caip2,omitempty"`
	Family                ProtocolFamily `yaml:"family" json:"family"`
	RPCURL                string         `yaml:"rpc_url" json:"rpc_url"`
	AssetSymbol           string         `yaml:"asset_symbol" json:"asset_symbol"`
	AssetContract         string         `yaml:"asset_contract" json:"asset_contract,omitempty"`
	AssetDecimals         uint8          `yaml:"asset_decimals" json:"asset_decimals"`
	ChainID               int64          `yaml:"chain_id" json:"chain_id,omitempty"`
	ExplorerURL           string         `yaml:"explorer_url" json:"explorer_url"`
	Recipient             string         `yaml:"recipient" json:"recipient,omitempty"`
	RequiredConfirmations uint64         `yaml:"required_confirmations" json:"required_confirmations,omitempty"`
}

type catalogFile struct {
	Networks []NetworkDescriptor `yaml:"networks"`
}

// ConfigSource is the read side of utils.ConfigManager
type ConfigSource interface {
	GetConfigWithDefault(key string, defaultValue string) string
}

// Catalog is the static registry of supported networks
type Catalog struct {
	networks map[string]NetworkDescriptor
	byCAIP2  map[string]string
}

// LoadCatalog builds the catalog from the embedded defaults, the optional
// networks_file overlay and per-network rpc_url_<id> / recipient_<id> keys
func LoadCatalog(cfg ConfigSource) (*Catalog, error) {
	descriptors, err := parseNetworks(defaultNetworks)
	if err != nil {
		return nil, fmt.Errorf("embedded network catalog: %w", err)
	}

	if path := cfg.GetConfigWithDefault("networks_file", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read networks file %s: %v", path, err)
		}
		overlay, err := parseNetworks(data)
		if err != nil {
			return nil, fmt.Errorf("networks file %s: %w", path, err)
		}
		descriptors = overlayNetworks(descriptors, overlay)
	}

	for i := range descriptors {
		d := &descriptors[i]
		if v := cfg.GetConfigWithDefault("rpc_url_"+d.ID, ""); v != "" {
			d.RPCURL = v
		}
		if v := cfg.GetConfigWithDefault("recipient_"+d.ID, ""); v != "" {
			d.Recipient = v
		}
	}

	return NewCatalog(descriptors)
}

// NewCatalog validates descriptors and indexes them by id
func NewCatalog(descriptors []NetworkDescriptor) (*Catalog, error) {
	c := &Catalog{
		networks: make(map[string]NetworkDescriptor, len(descriptors)),
		byCAIP2:  make(map[string]string),
	}

	for _, d := range descriptors {
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if _, dup := c.networks[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate network id %q", ErrValidation, d.ID)
		}
		c.networks[d.ID] = d
		// Several catalog entries can share a chain (USDT and CONVO on Solana),
		// the first one listed owns the CAIP-2 lookup
		if d.CAIP2 != "" {
			if _, taken := c.byCAIP2[d.CAIP2]; !taken {
				c.byCAIP2[d.CAIP2] = d.ID
			}
		}
	}

	return c, nil
}

func parseNetworks(data []byte) ([]NetworkDescriptor, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse network catalog: %v", err)
	}
	return file.Networks, nil
}

func overlayNetworks(base, overlay []NetworkDescriptor) []NetworkDescriptor {
	index := make(map[string]int, len(base))
	for i, d := range base {
		index[d.ID] = i
	}
	for _, d := range overlay {
		if i, ok := index[d.ID]; ok {
			base[i] = d
			continue
		}
		index[d.ID] = len(base)
		base = append(base, d)
	}
	return base
}

func validateDescriptor(d NetworkDescriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: network without id", ErrValidation)
	}
	if !d.Family.Valid() {
		return fmt.Errorf("%w: network %s has unknown family %q", ErrValidation, d.ID, d.Family)
	}
	if d.Family != FamilyFiat {
		if d.AssetContract == "" {
			return fmt.Errorf("%w: network %s has no asset contract", ErrValidation, d.ID)
		}
		if err := ValidateAddress(d.Family, d.AssetContract); err != nil {
			return fmt.Errorf("network %s asset contract: %w", d.ID, err)
		}
	}
	if d.Family == FamilyEVM && d.ChainID <= 0 {
		return fmt.Errorf("%w: EVM network %s has no chain id", ErrValidation, d.ID)
	}
	if d.Recipient != "" {
		if err := ValidateAddress(d.Family, d.Recipient); err != nil {
			return fmt.Errorf("network %s recipient: %w", d.ID, err)
		}
	}
	return nil
}

// Describe returns the descriptor for a network id
func (c *Catalog) Describe(networkID string) (NetworkDescriptor, error) {
	d, ok := c.networks[networkID]
	if !ok {
		return NetworkDescriptor{}, fmt.Errorf("%w: network %q", ErrNotFound, networkID)
	}
	return d, nil
}

// DescribeCAIP2 resolves a CAIP-2 chain identifier such as "eip155:137"
func (c *Catalog) DescribeCAIP2(caip2 string) (NetworkDescriptor, error) {
	id, ok := c.byCAIP2[caip2]
	if !ok {
		return NetworkDescriptor{}, fmt.Errorf("%w: network %q", ErrNotFound, caip2)
	}
	return c.networks[id], nil
}

// List returns all descriptors sorted by id
func (c *Catalog) List() []NetworkDescriptor {
	out := make([]NetworkDescriptor, 0, len(c.networks))
	for _, d := range c.networks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
