package hashdb

import (
	"time"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/ValentinKolb/hashDB/lib/db/engines/hashdb/internal"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// event is sent from the write path to the maintenance goroutine.
type event uint8

const (
	eventGCCheck event = iota + 1 // enough writes happened to look for GC candidates
	eventBloomRebuild             // all bloom generations are full
)

func (e event) String() string {
	switch e {
	case eventGCCheck:
		return "gc-check"
	case eventBloomRebuild:
		return "bloom-rebuild"
	default:
		return "unknown"
	}
}

// startMaintenance starts the goroutine that runs background tasks. It exits once
// the event queue is closed and drained.
func (d *DB) startMaintenance() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.opts.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-d.events.Recv():
				if !ok {
					return
				}
				d.handleEvent(*ev)
			case <-ticker.C:
				d.tick()
			}
		}
	}()
}

func (d *DB) handleEvent(ev event) {
	if d.closed.Load() {
		return
	}
	log.Debugf("maintenance event %s", ev)

	switch ev {
	case eventGCCheck:
		// one round at a time, further checks are dropped while it runs
		if !d.gcRunning.CompareAndSwap(false, true) {
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.gcRunning.Store(false)
			if _, err := d.runGC(false); err != nil && d.ctx.Err() == nil {
				log.Warningf("background garbage collection: %v", err)
			}
		}()
	case eventBloomRebuild:
		if err := d.rebuildBloom(); err != nil {
			log.Warningf("bloom filter rebuild: %v", err)
		}
	}
}

// tick runs the periodic tasks of one maintenance round in parallel.
func (d *DB) tick() {
	if d.closed.Load() {
		return
	}
	round := d.round.Add(1)

	g := new(errgroup.Group)
	g.SetLimit(d.opts.BackgroundThreads)

	if d.asyncDirty.Swap(false) {
		g.Go(func() error {
			if err := d.blobs.Flush(true); err != nil {
				d.asyncDirty.Store(true)
				return errors.Wrap(err, "flush async writes")
			}
			return nil
		})
	}

	if d.cache != nil {
		g.Go(func() error {
			if n := d.cache.Evict(); n > 0 {
				log.Debugf("evicted %d cached values", n)
			}
			return nil
		})
	}

	// groups touched in one of the last idle rounds carry a round above round-idle-1
	idle := uint64(d.opts.ColddownIdleRounds)
	if d.SupportsFeature(db.FeatureIndexColdDown) && round > idle {
		g.Go(func() error {
			_, err := d.coldDown(round-idle-1, d.opts.GCMaxColddownIndexSlotNumPerRound)
			return err
		})
	}

	if d.bloom.NeedsRebuild() {
		ev := eventBloomRebuild
		d.events.Push(&ev)
	}

	if err := g.Wait(); err != nil {
		log.Errorf("maintenance round %d: %v", round, err)
	}
}

// runGC runs one garbage collection round if data file GC is enabled or force is set.
func (d *DB) runGC(force bool) (db.GCResult, error) {
	if !force && !d.SupportsFeature(db.FeatureGarbageCollect) {
		return db.GCResult{}, nil
	}
	start := time.Now()
	result, err := d.gc.Run(d.ctx, force)
	if result.ReclaimedFiles > 0 || result.FailedFiles > 0 {
		d.metrics.gcDuration.UpdateDuration(start)
	}
	return result, err
}

// coldDown moves up to limit groups that were idle since round idleBefore to the index file.
func (d *DB) coldDown(idleBefore uint64, limit int) (int, error) {
	moved := 0
	for _, gid := range d.index.IdleGroups(idleBefore, limit) {
		ok, err := d.index.ColdDown(gid)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	if moved > 0 {
		log.Debugf("cooled down %d index groups", moved)
	}
	return moved, nil
}

func (d *DB) rebuildBloom() error {
	start := time.Now()
	if err := d.bloom.Rebuild(d.bloom.Generations(), internal.LiveKeys(d.index, d.blobs)); err != nil {
		return err
	}
	log.Infof("rebuilt bloom filters in %v", time.Since(start).Round(time.Millisecond))
	return nil
}
