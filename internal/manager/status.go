package manager

import (
	"context"

	"llmd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status(ctx context.Context) types.StatusResponse {
	now := m.now()
	return types.StatusResponse{
		Backends:       m.Backends(ctx),
		Sessions:       m.Sessions(),
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}
