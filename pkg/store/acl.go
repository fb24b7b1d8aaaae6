package store

import (
	"sort"

	"gopkg.in/yaml.v3"
)

// ACLFileName is the per-directory access rule sidecar the sync layer reads.
const ACLFileName = "syft.pub.yaml"

// ACL names the identities allowed to read, write, and administer a shared
// directory. The writing owner is always implicitly an admin.
type ACL struct {
	Read  []string `json:"read"  yaml:"read"`
	Write []string `json:"write" yaml:"write"`
	Admin []string `json:"admin" yaml:"admin"`
}

// Normalize returns a copy with each list sorted and deduplicated, so two
// semantically equal ACLs marshal to identical sidecar bytes.
func (a ACL) Normalize() ACL {
	return ACL{
		Read:  normalizeList(a.Read),
		Write: normalizeList(a.Write),
		Admin: normalizeList(a.Admin),
	}
}

type aclRule struct {
	Pattern string `yaml:"pattern"`
	Access  ACL    `yaml:"access"`
}

type aclDocument struct {
	Rules []aclRule `yaml:"rules"`
}

// MarshalSidecar renders the ACL as a syft.pub.yaml document covering every
// object in the directory.
func MarshalSidecar(acl ACL) ([]byte, error) {
	return yaml.Marshal(aclDocument{
		Rules: []aclRule{{Pattern: "**", Access: acl.Normalize()}},
	})
}

// UnmarshalSidecar parses a syft.pub.yaml document back into the ACL of its
// catch-all rule.
func UnmarshalSidecar(data []byte) (ACL, error) {
	var doc aclDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ACL{}, err
	}

	for _, rule := range doc.Rules {
		if rule.Pattern == "**" {
			return rule.Access.Normalize(), nil
		}
	}

	return ACL{}, nil
}

func normalizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))

	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}

		seen[item] = struct{}{}
		out = append(out, item)
	}

	sort.Strings(out)

	return out
}
