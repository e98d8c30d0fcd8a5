package card

import (
	"fmt"
	"strings"

	"github.com/ocx/bridge/internal/config"
	"github.com/ocx/bridge/internal/trust"
)

// llmsText renders the plain-text agent reference served at /llms.txt.
func llmsText(cfg *config.Config) []byte {
	base := cfg.BaseURL()

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", cfg.AgentName)
	fmt.Fprintf(&b, "> %s\n\n", cfg.AgentDescription)

	b.WriteString("## Endpoints\n\n")
	fmt.Fprintf(&b, "- POST %s/task - submit a task {\"prompt\": \"...\"}\n", base)
	fmt.Fprintf(&b, "- GET %s/task/{id} - poll task status\n", base)
	fmt.Fprintf(&b, "- DELETE %s/task/{id} - cancel a pending task\n", base)
	fmt.Fprintf(&b, "- POST %s/a2a - JSON-RPC 2.0 endpoint (message/send, tasks/get, tasks/cancel, agent/describe, agent/status)\n", base)
	fmt.Fprintf(&b, "- GET %s/.well-known/agent.json - capability card\n", base)
	fmt.Fprintf(&b, "- GET %s/health - liveness probe\n", base)
	fmt.Fprintf(&b, "- WS %s/ws - push notifications for task results\n", wsURL(base))
	b.WriteString("\n")

	b.WriteString("## Authentication\n\n")
	for _, s := range schemes(cfg) {
		switch s {
		case "bearer":
			b.WriteString("- Bearer token: Authorization: Bearer <token>\n")
		case "api-key":
			b.WriteString("- API key: X-API-Key: <token>\n")
		case "x402":
			fmt.Fprintf(&b, "- x402 payment receipt: X-Payment header, %s USDC per task on %s\n", cfg.X402.PriceUSDC, cfg.X402.Network)
		case "did-signature":
			b.WriteString("- DID signature: Authorization: DID <did:key>:<unix-ts>:<base64url-sig> over \"<ts>:<METHOD>:<path>\"\n")
		case "free-tier":
			fmt.Fprintf(&b, "- Free tier: Authorization: FreeTier <identifier>, %d tasks/day for new identities\n", trust.TierNew.DailyLimit())
		}
	}
	b.WriteString("\n")

	b.WriteString("## Minimal Example\n\n")
	b.WriteString("```\n")
	fmt.Fprintf(&b, "curl -X POST %s/task \\\n", base)
	b.WriteString("  -H 'Content-Type: application/json' \\\n")
	b.WriteString("  -H 'Authorization: FreeTier my-agent-1' \\\n")
	b.WriteString("  -d '{\"prompt\": \"write a haiku about consensus\"}'\n")
	b.WriteString("```\n")

	return []byte(b.String())
}

func wsURL(base string) string {
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(base, "http://"); ok {
		return "ws://" + rest
	}
	return base
}
