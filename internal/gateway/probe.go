package gateway

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/example/fundgate/internal/partner"
)

// Pinger is implemented by every partner adapter.
type Pinger interface {
	Ping(ctx context.Context) partner.Result
}

type ProbeResult struct {
	Partner string `json:"partner"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PartnerProbe checks that the configured partner credentials are accepted.
type PartnerProbe struct {
	Partners map[string]Pinger
	// Order fixes the report order; names missing from Partners are skipped.
	Order  []string
	Logger *slog.Logger
}

func NewPartnerProbe(logger *slog.Logger) *PartnerProbe {
	return &PartnerProbe{Partners: map[string]Pinger{}, Logger: loggerOrDefault(logger)}
}

// Register adds a partner under name.
func (p *PartnerProbe) Register(name string, pinger Pinger) *PartnerProbe {
	if _, ok := p.Partners[name]; !ok {
		p.Order = append(p.Order, name)
	}
	p.Partners[name] = pinger
	return p
}

// Validate pings every partner concurrently. ok is true only when all
// pings succeed.
func (p *PartnerProbe) Validate(ctx context.Context) ([]ProbeResult, bool) {
	results := make([]ProbeResult, len(p.Order))

	var g errgroup.Group
	for i, name := range p.Order {
		i, name := i, name
		g.Go(func() error {
			results[i] = p.ping(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	ok := len(results) > 0
	for _, r := range results {
		if !r.Success {
			ok = false
		}
	}
	return results, ok
}

// ValidateOne pings a single partner.
func (p *PartnerProbe) ValidateOne(ctx context.Context, name string) ProbeResult {
	return p.ping(ctx, name)
}

func (p *PartnerProbe) ping(ctx context.Context, name string) ProbeResult {
	pinger, ok := p.Partners[name]
	if !ok {
		return ProbeResult{Partner: name, Error: "partner not configured"}
	}
	res := pinger.Ping(ctx)
	if !res.Success {
		p.Logger.Warn("partner_probe_failed", "partner", name, "kind", res.Kind, "error", res.Error)
		return ProbeResult{Partner: name, Error: res.Error}
	}
	return ProbeResult{Partner: name, Success: true}
}
