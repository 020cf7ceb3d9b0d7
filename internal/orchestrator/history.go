package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/wire"
	"github.com/google/renameio"
)

// Per-label action durations from prior builds feed the scheduler's
// critical-path priorities. Losing this file only costs scheduling quality,
// so every failure path below degrades to empty.

const (
	historyName    = "durations.bin"
	historyMagic   = "ADUR"
	historyVersion = 1
)

func (c *Ctx) loadEstimates(cacheDir string) map[anvil.Label]time.Duration {
	b, err := os.ReadFile(filepath.Join(cacheDir, historyName))
	if err != nil {
		return nil
	}
	r := wire.NewReader(b)
	if m := r.Raw(4); string(m) != historyMagic {
		return nil
	}
	if v := r.Uint16(); v > historyVersion {
		return nil
	}
	count := r.Uint32()
	if r.Err() != nil {
		return nil
	}
	estimates := make(map[anvil.Label]time.Duration, count)
	for i := uint32(0); i < count; i++ {
		label := r.String()
		d := time.Duration(r.Int64())
		if r.Err() != nil {
			return nil
		}
		estimates[anvil.Label(label)] = d
	}
	return estimates
}

func (c *Ctx) saveEstimates(cacheDir string, durations map[anvil.Label]time.Duration) {
	if len(durations) == 0 {
		return
	}
	// Merge over the previous history so labels untouched this build keep
	// their estimates.
	merged := c.loadEstimates(cacheDir)
	if merged == nil {
		merged = make(map[anvil.Label]time.Duration, len(durations))
	}
	for label, d := range durations {
		merged[label] = d
	}
	labels := make([]anvil.Label, 0, len(merged))
	for label := range merged {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	var w wire.Writer
	w.PutRaw([]byte(historyMagic))
	w.PutUint16(historyVersion)
	w.PutUint32(uint32(len(labels)))
	for _, label := range labels {
		w.PutString(string(label))
		w.PutInt64(int64(merged[label]))
	}
	out, err := w.Bytes()
	if err != nil {
		return
	}
	if err := renameio.WriteFile(filepath.Join(cacheDir, historyName), out, 0644); err != nil {
		c.logf("persisting duration history: %v", err)
	}
}
