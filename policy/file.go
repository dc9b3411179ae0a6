// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var policySchema string

// fileSchema mirrors the on-disk policy document. Pointer fields distinguish
// "absent, keep the default" from an explicit zero.
type fileSchema struct {
	AllowedSchemes       []string `json:"allowed_schemes" yaml:"allowed_schemes"`
	AllowedMethods       []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedDomains       []string `json:"allowed_domains" yaml:"allowed_domains"`
	BlockedDomains       []string `json:"blocked_domains" yaml:"blocked_domains"`
	DenyPrivateIPs       *bool    `json:"deny_private_ips" yaml:"deny_private_ips"`
	Rule                 string   `json:"rule" yaml:"rule"`
	MaxRedirects         *int     `json:"max_redirects" yaml:"max_redirects"`
	ConnectTimeoutMS     *int64   `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	RequestTimeoutMS     *int64   `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	DNSTimeoutMS         *int64   `json:"dns_timeout_ms" yaml:"dns_timeout_ms"`
	DNSCacheTTLMS        *int64   `json:"dns_cache_ttl_ms" yaml:"dns_cache_ttl_ms"`
	MaxResponseBytes     *int64   `json:"max_response_bytes" yaml:"max_response_bytes"`
	MaxRequestBodyBytes  *int64   `json:"max_request_body_bytes" yaml:"max_request_body_bytes"`
	MaxConcurrentFetches *int64   `json:"max_concurrent_fetches" yaml:"max_concurrent_fetches"`
	RateLimit            *struct {
		Requests   int   `json:"requests" yaml:"requests"`
		IntervalMS int64 `json:"interval_ms" yaml:"interval_ms"`
		Burst      int   `json:"burst" yaml:"burst"`
	} `json:"rate_limit" yaml:"rate_limit"`
}

// DefaultPath returns the conventional policy file location,
// $XDG_CONFIG_HOME/agentfetch/policy.yaml, creating parent directories as
// needed.
func DefaultPath() (string, error) {
	return xdg.ConfigFile(filepath.Join("agentfetch", "policy.yaml"))
}

// FromFile loads a FetchPolicy from a JSON or YAML document. The document is
// validated against the policy schema before decoding; fields it omits keep
// the library defaults. The resulting policy is itself validated.
func FromFile(path string) (FetchPolicy, error) {
	// #nosec G304 - reading a caller-specified policy file is the point
	data, err := os.ReadFile(path)
	if err != nil {
		return FetchPolicy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return parse(data, strings.HasSuffix(path, ".json"))
}

func parse(data []byte, isJSON bool) (FetchPolicy, error) {
	// YAML documents are normalized to JSON so one schema covers both.
	jsonData := data
	if !isJSON {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return FetchPolicy{}, fmt.Errorf("failed to parse policy file: %w", err)
		}
		var err error
		if jsonData, err = json.Marshal(doc); err != nil {
			return FetchPolicy{}, fmt.Errorf("failed to normalize policy file: %w", err)
		}
	}

	if err := validateSchema(jsonData); err != nil {
		return FetchPolicy{}, err
	}

	var file fileSchema
	if err := json.Unmarshal(jsonData, &file); err != nil {
		return FetchPolicy{}, fmt.Errorf("failed to decode policy file: %w", err)
	}

	pol := Default()
	if file.AllowedSchemes != nil {
		pol.AllowedSchemes = file.AllowedSchemes
	}
	if file.AllowedMethods != nil {
		pol.AllowedMethods = file.AllowedMethods
	}
	if file.AllowedDomains != nil {
		pol.AllowedDomains = patterns(file.AllowedDomains)
	}
	if file.BlockedDomains != nil {
		pol.BlockedDomains = patterns(file.BlockedDomains)
	}
	if file.DenyPrivateIPs != nil {
		pol.DenyPrivateIPs = *file.DenyPrivateIPs
	}
	pol.Rule = file.Rule
	if file.MaxRedirects != nil {
		pol.MaxRedirects = *file.MaxRedirects
	}
	if file.ConnectTimeoutMS != nil {
		pol.ConnectTimeout = time.Duration(*file.ConnectTimeoutMS) * time.Millisecond
	}
	if file.RequestTimeoutMS != nil {
		pol.RequestTimeout = time.Duration(*file.RequestTimeoutMS) * time.Millisecond
	}
	if file.DNSTimeoutMS != nil {
		pol.DNSTimeout = time.Duration(*file.DNSTimeoutMS) * time.Millisecond
	}
	if file.DNSCacheTTLMS != nil {
		pol.DNSCacheTTL = time.Duration(*file.DNSCacheTTLMS) * time.Millisecond
	}
	if file.MaxResponseBytes != nil {
		pol.MaxResponseBytes = *file.MaxResponseBytes
	}
	if file.MaxRequestBodyBytes != nil {
		pol.MaxRequestBodyBytes = *file.MaxRequestBodyBytes
	}
	if file.MaxConcurrentFetches != nil {
		pol.MaxConcurrentFetches = *file.MaxConcurrentFetches
	}
	if file.RateLimit != nil {
		pol.RateLimit = &RateLimit{
			Requests: file.RateLimit.Requests,
			Interval: time.Duration(file.RateLimit.IntervalMS) * time.Millisecond,
			Burst:    file.RateLimit.Burst,
		}
	}

	if err := pol.Validate(); err != nil {
		return FetchPolicy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return pol, nil
}

func validateSchema(jsonData []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(policySchema),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("failed to validate policy file: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("policy file does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func patterns(ss []string) []DomainPattern {
	out := make([]DomainPattern, len(ss))
	for i, s := range ss {
		out[i] = DomainPattern(s)
	}
	return out
}
