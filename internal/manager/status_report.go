package manager

import (
	"time"

	"parrotd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()
	engines := m.reg.List()
	resp := types.StatusResponse{
		Engines:        make([]types.EngineStatus, 0, len(engines)),
		PendingTasks:   m.disp.Pending(),
		LiveContexts:   m.tree.Live(),
		ServerTimeUnix: now.Unix(),
		DispatchPolicy: m.disp.Policy().Name(),
	}
	for _, e := range engines {
		rt := e.Runtime()
		es := types.EngineStatus{
			EngineID:        e.ID,
			Name:            e.Name(),
			Model:           e.Model(),
			Address:         e.Address(),
			RemainingSlots:  e.Remaining(),
			NumThreads:      e.NumThreads(),
			NumCachedTokens: rt.NumCachedTokens,
			CacheMemBytes:   rt.CacheMemBytes,
			LastSeenUnix:    e.LastSeen().Unix(),
		}
		if err := e.Suspect(); err != nil {
			es.Suspect = err.Error()
		}
		resp.Engines = append(resp.Engines, es)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp.Sessions = len(m.sessions)
	resp.UptimeSeconds = int64(now.Sub(m.startTime).Seconds())
	resp.LastError = m.lastErr
	return resp
}
