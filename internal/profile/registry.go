package profile

import (
	"fmt"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
)

// Registry is the ordered list of configured profiles.
type Registry struct {
	profiles []*Profile
}

// NewRegistry validates every profile. Declaration order is preserved and
// decides ties.
func NewRegistry(profiles []*Profile) (*Registry, error) {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return &Registry{profiles: profiles}, nil
}

// Profiles returns the profiles in declaration order.
func (r *Registry) Profiles() []*Profile {
	return r.profiles
}

// Match resolves dev to a profile. PCI selectors of all profiles are tried
// before any VBIOS selector; within a pass the earliest-declared profile
// wins. An unmatched device yields an ErrNoMatch error.
func (r *Registry) Match(dev *gpu.Device) (*Profile, error) {
	for _, kind := range []SelectorKind{ByPCIID, ByVBIOS} {
		for _, p := range r.profiles {
			if p.selects(kind, dev) {
				return p, nil
			}
		}
	}

	return nil, errors.New().WithData(errors.ErrNoMatch, fmt.Sprintf("%s (pci_id=%s vbios=%s)", dev, dev.PCIID, dev.VBIOS))
}
