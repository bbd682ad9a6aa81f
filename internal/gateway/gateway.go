// Package gateway orchestrates partner calls and ledger writes behind the
// REST surface. Each operation makes at most one outbound partner call.
package gateway

import (
	"log/slog"

	"github.com/example/fundgate/pkg/audit"
)

// Auditor records state-changing events on the audit chain.
type Auditor interface {
	Append(event string, fields map[string]any) *audit.Entry
}

type nopAuditor struct{}

func (nopAuditor) Append(string, map[string]any) *audit.Entry { return nil }

func auditorOrNop(a Auditor) Auditor {
	if a == nil {
		return nopAuditor{}
	}
	return a
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
