package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/evapi"
	"github.com/cargabot/cargabot/internal/notify"
	"github.com/cargabot/cargabot/internal/store"
)

var statusIcons = map[string]string{
	evapi.StatusAvailable:   "✅",
	evapi.StatusOccupied:    "🔴",
	evapi.StatusReserved:    "🟡",
	evapi.StatusOutOfOrder:  "⚠️",
	evapi.StatusUnavailable: "⚠️",
}

func icon(status string) string {
	if s, ok := statusIcons[status]; ok {
		return s
	}
	return "❓"
}

// StatusAPI is the slice of the network client the monitor needs.
type StatusAPI interface {
	ConnectorStatuses(ctx context.Context, cuprIDs []int64) ([]evapi.Connector, error)
}

// Monitor polls the watched chargers and notifies on socket status changes.
// The previous snapshot lives in the store, so change detection survives
// restarts. The poll interval is read back from the store each cycle, which
// makes it adjustable at runtime through the status API.
type Monitor struct {
	api      StatusAPI
	store    *store.Store
	notifier notify.Notifier

	cuprIDs         []int64
	defaultInterval time.Duration
	paused          chan bool
	force           chan chan []evapi.Connector
}

func New(cfg *config.Config, api StatusAPI, st *store.Store, notifier notify.Notifier) *Monitor {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	ids := make([]int64, len(cfg.ChargerIDs))
	for i, id := range cfg.ChargerIDs {
		ids[i] = int64(id)
	}
	return &Monitor{
		api:             api,
		store:           st,
		notifier:        notifier,
		cuprIDs:         ids,
		defaultInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		paused:          make(chan bool, 1),
		force:           make(chan chan []evapi.Connector),
	}
}

// SetPaused pauses or resumes the periodic scans. A paused monitor still
// serves forced checks.
func (m *Monitor) SetPaused(paused bool) {
	select {
	case m.paused <- paused:
	default:
	}
}

// Check runs one scan immediately and returns the fresh connector list.
func (m *Monitor) Check(ctx context.Context) ([]evapi.Connector, error) {
	reply := make(chan []evapi.Connector, 1)
	select {
	case m.force <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case connectors := <-reply:
		if connectors == nil {
			return nil, fmt.Errorf("scan failed")
		}
		return connectors, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interval returns the effective poll interval, preferring the persisted
// runtime value over the static config.
func (m *Monitor) Interval() time.Duration {
	if secs := m.store.GetIntSetting(store.SettingPollInterval, 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return m.defaultInterval
}

// SetInterval persists a new poll interval. It takes effect on the next
// cycle.
func (m *Monitor) SetInterval(interval time.Duration) error {
	return m.store.SetSetting(store.SettingPollInterval, fmt.Sprintf("%d", int(interval.Seconds())))
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.cuprIDs) == 0 {
		log.Warn("no chargers configured, monitor not started")
		return
	}
	log.Infof("monitoring %d chargers every %s", len(m.cuprIDs), m.Interval())

	paused := false
	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case paused = <-m.paused:
			if paused {
				log.Info("periodic scans paused")
			} else {
				log.Info("periodic scans resumed")
				timer.Reset(m.Interval())
			}
		case reply := <-m.force:
			connectors, err := m.scan(ctx)
			if err != nil {
				log.Errorf("forced scan failed: %v", err)
			}
			reply <- connectors
		case <-timer.C:
			if !paused {
				if _, err := m.scan(ctx); err != nil {
					log.Errorf("scan failed: %v", err)
				}
			}
			timer.Reset(m.Interval())
		}
	}
}

// scan fetches the current socket statuses, reports differences against the
// stored snapshot and persists the new one.
func (m *Monitor) scan(ctx context.Context) ([]evapi.Connector, error) {
	connectors, err := m.api.ConnectorStatuses(ctx, m.cuprIDs)
	if err != nil {
		return nil, err
	}

	previous, err := m.store.LoadSocketStatuses()
	if err != nil {
		log.Warnf("could not load previous snapshot: %v", err)
		previous = nil
	}
	var changes []string
	for _, c := range connectors {
		snap, seen := previous[int(c.PhysicalSocketID)]
		before := snap.Status
		if seen && before != c.Status {
			changes = append(changes, fmt.Sprintf("🏪 *%s* socket %s (%s)\n%s %s → %s *%s*",
				c.CuprName, c.SocketCode, c.SocketType, icon(before), before, icon(c.Status), c.Status))
		}
	}

	if len(changes) > 0 {
		message := "🔔 *Socket status changed*\n\n" + strings.Join(changes, "\n\n") + "\n\n" + Summary(connectors)
		m.notifier.Notify(ctx, message)
	}

	if err = m.store.SaveSocketStatuses(toSnapshots(connectors)); err != nil {
		log.Warnf("could not persist snapshot: %v", err)
	}
	return connectors, nil
}

// Summary renders a compact status overview for notifications and the
// status endpoint.
func Summary(connectors []evapi.Connector) string {
	counts := make(map[string]int)
	var b strings.Builder
	for _, c := range connectors {
		counts[c.Status]++
		fmt.Fprintf(&b, "%s %s-%s: %s\n", icon(c.Status), c.CuprName, c.SocketCode, c.Status)
	}
	b.WriteString("\n📊 ")
	for status, n := range counts {
		fmt.Fprintf(&b, "%s×%d ", status, n)
	}
	return strings.TrimSpace(b.String())
}

func toSnapshots(connectors []evapi.Connector) map[int]store.SocketSnapshot {
	now := time.Now().Format(time.RFC3339)
	snaps := make(map[int]store.SocketSnapshot, len(connectors))
	for _, c := range connectors {
		snaps[int(c.PhysicalSocketID)] = store.SocketSnapshot{
			CuprID:     int(c.CuprID),
			CuprName:   c.CuprName,
			SocketCode: c.SocketCode,
			SocketType: c.SocketType,
			Status:     c.Status,
			UpdateDate: c.StatusUpdateDate,
			LastCheck:  now,
		}
	}
	return snaps
}
