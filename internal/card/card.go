// Package card builds the agent's capability descriptor: the JSON card
// served at the well-known paths and the llms.txt reference. Both are
// computed once per configuration snapshot and served as cached bytes.
package card

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ocx/bridge/internal/config"
	"github.com/ocx/bridge/internal/trust"
)

// ProtocolVersion is the A2A protocol revision the bridge speaks.
const ProtocolVersion = "0.2.5"

// maxCardFile caps the optional rich-card overlay file.
const maxCardFile = config.DefaultCardFileLimit

// Card is the computed self-description document. Field order here is the
// order on the wire.
type Card struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Version         string            `json:"version"`
	Skills          []config.Skill    `json:"skills"`
	Payment         Payment           `json:"payment"`
	Metadata        map[string]string `json:"metadata"`
	ProtocolVersion string            `json:"protocolVersion"`

	ID                 string          `json:"id,omitempty"`
	URL                string          `json:"url,omitempty"`
	Provider           *Provider       `json:"provider,omitempty"`
	Capabilities       *Capabilities   `json:"capabilities,omitempty"`
	Authentication     *Authentication `json:"authentication,omitempty"`
	FreeTier           *FreeTier       `json:"freeTier,omitempty"`
	Trust              *Trust          `json:"trust,omitempty"`
	DefaultInputModes  []string        `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string        `json:"defaultOutputModes,omitempty"`
	DocumentationURL   string          `json:"documentationUrl,omitempty"`
	TermsOfServiceURL  string          `json:"termsOfServiceUrl,omitempty"`
	PrivacyPolicyURL   string          `json:"privacyPolicyUrl,omitempty"`
	A2A                *A2AEndpoint    `json:"a2a,omitempty"`
}

// Payment describes how tasks are paid for.
type Payment struct {
	PricePerTask string   `json:"pricePerTask,omitempty"`
	Methods      []string `json:"methods"`
	Network      string   `json:"network,omitempty"`
	PayTo        string   `json:"payTo,omitempty"`
	Asset        string   `json:"asset,omitempty"`
}

// Provider identifies the operating organization.
type Provider struct {
	Organization string `json:"organization"`
}

// Capabilities flags the optional protocol features the bridge supports.
type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// Authentication enumerates the accepted schemes.
type Authentication struct {
	Schemes []string `json:"schemes"`
}

// FreeTier summarizes the unpaid allowance.
type FreeTier struct {
	Enabled      bool `json:"enabled"`
	DailyLimit   int  `json:"dailyLimit"`
	IPDailyLimit int  `json:"ipDailyLimit"`
}

// Trust describes the reputation ladder.
type Trust struct {
	Tiers []trust.TierInfo `json:"tiers"`
}

// A2AEndpoint points JSON-RPC clients at the envelope path.
type A2AEndpoint struct {
	Endpoint string `json:"endpoint"`
	Version  string `json:"version"`
}

// Descriptor holds the rendered artifacts.
type Descriptor struct {
	card []byte
	llms []byte
}

// New computes the card and llms.txt for cfg. builtAt becomes
// metadata.updatedAt, so the output is deterministic per snapshot.
func New(cfg *config.Config, builtAt time.Time) (*Descriptor, error) {
	c := build(cfg, builtAt)

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal capability card: %w", err)
	}
	if cfg.CardFile != "" {
		raw, err = overlayFile(raw, cfg.CardFile)
		if err != nil {
			return nil, err
		}
	}
	return &Descriptor{card: raw, llms: llmsText(cfg)}, nil
}

// CardJSON is the capability card body, identical on every alias path.
func (d *Descriptor) CardJSON() []byte { return d.card }

// LLMSText is the llms.txt body.
func (d *Descriptor) LLMSText() []byte { return d.llms }

func build(cfg *config.Config, builtAt time.Time) Card {
	skills := cfg.Skills
	if skills == nil {
		skills = []config.Skill{}
	}
	metadata := make(map[string]string, len(cfg.Metadata)+1)
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}
	metadata["updatedAt"] = builtAt.UTC().Format(time.RFC3339)

	payment := Payment{
		PricePerTask: cfg.PricePerTask,
		Methods:      []string{"free-tier"},
	}
	if cfg.X402.Enabled() {
		payment.Methods = append(payment.Methods, "x402")
		payment.Network = cfg.X402.Network
		payment.PayTo = cfg.X402.PayTo
		payment.Asset = cfg.X402.USDCAddr
	}
	if cfg.Escrow.Enabled() {
		payment.Methods = append(payment.Methods, "escrow")
	}

	c := Card{
		Name:            cfg.AgentName,
		Description:     cfg.AgentDescription,
		Version:         cfg.AgentVersion,
		Skills:          skills,
		Payment:         payment,
		Metadata:        metadata,
		ProtocolVersion: ProtocolVersion,

		ID:  cfg.AgentDID,
		URL: cfg.AgentURL,
		Capabilities: &Capabilities{
			PushNotifications: true,
		},
		Authentication:     &Authentication{Schemes: schemes(cfg)},
		FreeTier:           &FreeTier{Enabled: true, DailyLimit: trust.TierNew.DailyLimit(), IPDailyLimit: cfg.Limits.IPDailyLimit},
		Trust:              &Trust{Tiers: trust.Tiers()},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		DocumentationURL:   cfg.DocumentationURL,
		TermsOfServiceURL:  cfg.TermsURL,
		PrivacyPolicyURL:   cfg.PrivacyURL,
		A2A:                &A2AEndpoint{Endpoint: cfg.BaseURL() + "/a2a", Version: ProtocolVersion},
	}
	if cfg.Provider != "" {
		c.Provider = &Provider{Organization: cfg.Provider}
	}
	return c
}

func schemes(cfg *config.Config) []string {
	out := []string{}
	if cfg.Auth.APIToken != "" {
		out = append(out, "bearer", "api-key")
	}
	out = append(out, "did-signature", "free-tier")
	if cfg.X402.Enabled() {
		out = append(out, "x402")
	}
	return out
}

// overlayFile merges the rich card file's top-level keys over the computed
// card. The file must be a JSON object of at most 1 MiB.
func overlayFile(computed []byte, path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("card file: %w", err)
	}
	if info.Size() > maxCardFile {
		return nil, fmt.Errorf("card file %s exceeds %d bytes", path, maxCardFile)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("card file: %w", err)
	}

	var base, extra map[string]json.RawMessage
	if err := json.Unmarshal(computed, &base); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("card file %s is not a JSON object: %w", path, err)
	}
	for k, v := range extra {
		base[k] = v
	}
	return json.Marshal(base)
}
