// Package sigar implements spec.md §1's out-of-core "optional OS-metric
// adapter": a driver that periodically samples this process and
// insert/updates rows of a `Process` schema the embedding script
// declares. It is a pure external collaborator exactly as spec.md
// frames it — it talks to internal/store only through the ordinary
// store.Insert/store.Update API, never through a private hook, the way
// the source's ra_sigar.c samples libsigar and feeds rows back through
// the same relation API user scripts use.
package sigar

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/ravel-lang/ravel/internal/loop"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/store"
	"github.com/ravel-lang/ravel/internal/value"
)

// SchemaName is the relation this adapter maintains. The embedding
// script must declare it (e.g. `schema Process is var Pid, CPU, RSS end`)
// before -sigar-every is enabled; a sample that finds it undeclared logs
// and skips rather than failing the whole process.
const SchemaName = "Process"

// Sampler periodically inserts/updates one Process row (keyed by Pid)
// with this process's current CPU percentage and resident set size.
type Sampler struct {
	log  *zap.Logger
	proc *process.Process
	pid  int32
	seen bool
}

// Start launches a sampler on internal/loop's own Every (spec.md §5:
// "any mutator ... is expected to be invoked from this thread" — the
// sampler's own callback runs as an ordinary recurring loop.Event,
// exactly like a script's `every(...)`).
func Start(every time.Duration, log *zap.Logger) (*Sampler, error) {
	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, ravelerr.New(ravelerr.SigarError, "sigar: %s", err.Error())
	}
	s := &Sampler{log: log, proc: proc, pid: pid}
	loop.Every(every, s.sample)
	return s, nil
}

func (s *Sampler) sample() error {
	if _, ok := store.GetSchema(SchemaName); !ok {
		s.log.Debug("Process schema not declared yet, skipping sample")
		return nil
	}

	cpuPct, err := s.proc.CPUPercent()
	if err != nil {
		s.log.Warn("sigar: cpu sample failed", zap.Error(err))
		return nil
	}
	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		s.log.Warn("sigar: memory sample failed", zap.Error(err))
		return nil
	}

	s.log.Debug("sigar sample",
		zap.Int32("pid", s.pid),
		zap.Float64("cpu_pct", cpuPct),
		zap.String("rss", humanize.Bytes(memInfo.RSS)),
	)

	fields := []string{"Pid", "CPU", "RSS"}
	vals := []value.Value{
		value.IntValue(int64(s.pid)),
		value.RealValue(cpuPct),
		value.IntValue(int64(memInfo.RSS)),
	}

	if !s.seen {
		if _, err := store.Insert(SchemaName, fields, vals); err != nil {
			return ravelerr.New(ravelerr.SigarError, "sigar: insert: %s", err.Error())
		}
		s.seen = true
		return nil
	}
	if err := store.Update(SchemaName, []string{"Pid"}, []value.Value{value.IntValue(int64(s.pid))}, []string{"CPU", "RSS"}, []value.Value{value.RealValue(cpuPct), value.IntValue(int64(memInfo.RSS))}); err != nil {
		// Pid is part of the update's own key lookup, never its field
		// list, so this only fails if CPU/RSS ended up indexed by the
		// script — report it rather than silently dropping samples.
		return ravelerr.New(ravelerr.SigarError, "sigar: update: %s", err.Error())
	}
	return nil
}
