package tenantcreds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"gopkg.in/yaml.v3"
)

type tenantsFile struct {
	Version int            `yaml:"version"`
	Tenants []types.Tenant `yaml:"tenants"`
}

// FileSource lists tenants from a versioned YAML file, re-read on every call
// so edits apply to the next run without a restart.
type FileSource struct {
	Path string
}

func (s FileSource) ListSyncTenants(context.Context) ([]types.Tenant, error) {
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return nil, errors.New("tenants: file path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTenantsFile(b)
}

func ParseTenantsFile(b []byte) ([]types.Tenant, error) {
	var tf tenantsFile
	if err := yaml.Unmarshal(b, &tf); err != nil {
		return nil, err
	}
	if tf.Version != 1 {
		return nil, errors.New("tenants: unsupported version")
	}
	seen := map[string]bool{}
	for i, t := range tf.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fmt.Errorf("tenants: tenant %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("tenants: duplicate tenant %q", id)
		}
		seen[id] = true
		tf.Tenants[i].ID = id
	}
	return tf.Tenants, nil
}

// Static serves a fixed tenant list, typically the config file's inline
// tenants.
type Static []types.Tenant

func (s Static) ListSyncTenants(context.Context) ([]types.Tenant, error) {
	return slices.Clone(s), nil
}
