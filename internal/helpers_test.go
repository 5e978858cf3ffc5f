package internal_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/terminal-talk/internal"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// fakePeer 記錄收到的訊息；closed / full 模擬無法寫入的連線
type fakePeer struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	full   bool
}

func (p *fakePeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.full {
		return false
	}
	p.msgs = append(p.msgs, append([]byte(nil), data...))
	return true
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *fakePeer) raw() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.msgs...)
}

func (p *fakePeer) messages(t *testing.T) []internal.Message {
	t.Helper()

	var out []internal.Message
	for _, b := range p.raw() {
		var m internal.Message
		require.NoError(t, json.Unmarshal(b, &m))
		out = append(out, m)
	}
	return out
}

func (p *fakePeer) last(t *testing.T) internal.Message {
	t.Helper()

	msgs := p.messages(t)
	require.NotEmpty(t, msgs, "沒有收到任何訊息")
	return msgs[len(msgs)-1]
}

func (p *fakePeer) contents(t *testing.T) []string {
	t.Helper()

	var out []string
	for _, m := range p.messages(t) {
		out = append(out, m.Content)
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

// newTestRoom 創建已註冊的房間
func newTestRoom(t *testing.T, id string) (*internal.Registry, *internal.Room) {
	t.Helper()

	registry := internal.NewRegistry(testLogger(), nil)
	t.Cleanup(registry.Stop)

	roomID, err := registry.Create(id)
	require.NoError(t, err)

	room, err := registry.Lookup(roomID)
	require.NoError(t, err)
	return registry, room
}

// metricValue 讀取 counter / gauge 的值；labelValue 為空時取第一個樣本
func metricValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue != "" {
				matched := false
				for _, l := range m.GetLabel() {
					if l.GetValue() == labelValue {
						matched = true
					}
				}
				if !matched {
					continue
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}
