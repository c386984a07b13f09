package actions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/permission"
)

// Options configures a Resolver. Zero values take the defaults from model.
type Options struct {
	Retention time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// Clock supplies wall time for cache expiry and for contexts whose Now
	// is unset.
	Clock func() time.Time
}

// Resolver computes the ordered action list for a task and viewing context.
// It is safe for concurrent use; the tables can be swapped at runtime.
type Resolver struct {
	mu          sync.RWMutex
	tables      *Tables
	descriptors *DescriptorSet
	cache       *resultCache
	group       singleflight.Group
	clock       func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	CacheSize int    `json:"cache_size"`
	Checksum  string `json:"tables_checksum"`
}

func NewResolver(tables *Tables, opts Options) *Resolver {
	if opts.CacheSize <= 0 {
		opts.CacheSize = model.DefaultCacheMaxEntries
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = model.DefaultCacheTTLSec * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Resolver{
		tables:      tables,
		descriptors: NewDescriptorSet(opts.Retention),
		cache:       newResultCache(opts.CacheSize, opts.CacheTTL, opts.Clock),
		clock:       opts.Clock,
	}
}

// SetTables swaps the status tables and drops every memoized result.
func (r *Resolver) SetTables(t *Tables) {
	r.mu.Lock()
	r.tables = t
	r.mu.Unlock()
	r.cache.clear()
}

func (r *Resolver) Tables() *Tables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables
}

func (r *Resolver) Descriptors() *DescriptorSet {
	return r.descriptors
}

func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		CacheSize: r.cache.size(),
		Checksum:  r.Tables().Checksum(),
	}
}

// Resolve returns the actions to render for task as seen through vc. The
// result is never nil and never shares memory with another call's result.
func (r *Resolver) Resolve(task *model.Task, vc model.ViewingContext) []Action {
	if task == nil {
		return []Action{}
	}
	if vc.Now.IsZero() {
		vc.Now = r.clock()
	}
	tables := r.Tables()

	key := fingerprint(task, &vc, tables.Checksum())
	if cached, ok := r.cache.get(key, vc.Now); ok {
		r.hits.Add(1)
		return cached
	}
	r.misses.Add(1)

	flightKey := key + ":" + strconv.FormatInt(vc.Now.UnixNano(), 10)
	v, _, _ := r.group.Do(flightKey, func() (any, error) {
		list := resolve(tables, r.descriptors, task, &vc)
		r.cache.set(key, list, vc.Now, r.descriptors.nextFlip(task, vc.Now))
		return list, nil
	})
	return copyActions(v.([]Action))
}

// ResolveBoth resolves the list-row and detail lists for the same snapshot.
func (r *Resolver) ResolveBoth(task *model.Task, vc model.ViewingContext) (listRow, detail []Action) {
	if vc.Now.IsZero() {
		vc.Now = r.clock()
	}
	return r.Resolve(task, vc.WithMode(model.ModeListRow)), r.Resolve(task, vc.WithMode(model.ModeDetail))
}

// resolve is the uncached computation. It reads its inputs only.
func resolve(tables *Tables, descs *DescriptorSet, task *model.Task, vc *model.ViewingContext) []Action {
	if !model.IsKnownKind(task.Kind) {
		return []Action{}
	}
	keys, ok := tables.Candidates(task.Kind, task.Status)
	if !ok {
		return []Action{}
	}

	checker := permission.NewChecker(vc.EffectiveRoles(task))
	timer := task.ExecutionStrategy == model.StrategyTimer
	listRow := vc.Mode != model.ModeDetail

	out := make([]Action, 0, len(keys)+1)
	hasView := false
	for _, k := range keys {
		d, ok := descs.Get(k)
		if !ok {
			continue
		}
		if k == KeyAgain && timer {
			continue
		}
		if !d.allows(task.Kind) {
			continue
		}
		if d.Visible == nil || !d.Visible(checker, task, vc) {
			continue
		}
		if k == KeyView {
			if listRow {
				hasView = true
				out = append(out, toAction(d, task, vc))
			}
			continue
		}
		if listRow && d.Icon {
			continue
		}
		out = append(out, toAction(d, task, vc))
	}

	if listRow && !hasView {
		if d, ok := descs.Get(KeyView); ok {
			out = append([]Action{toAction(d, task, vc)}, out...)
		}
	}
	return out
}

func toAction(d *Descriptor, task *model.Task, vc *model.ViewingContext) Action {
	a := Action{Key: d.Key, Label: d.Label, Icon: d.Icon}
	if d.Disabled != nil {
		a.Disabled, a.Tooltip = d.Disabled(task, vc)
	}
	return a
}

// fingerprintInput lists every input the computation reads apart from Now.
type fingerprintInput struct {
	Task     *model.Task    `json:"task"`
	Roles    []model.Role   `json:"roles"`
	Mode     model.Mode     `json:"mode"`
	Private  bool           `json:"private"`
	Desktop  bool           `json:"desktop"`
	Features model.Features `json:"features"`
	Tables   string         `json:"tables"`
}

func fingerprint(task *model.Task, vc *model.ViewingContext, checksum string) string {
	mode := vc.Mode
	if mode != model.ModeDetail {
		mode = model.ModeListRow
	}
	data, _ := json.Marshal(fingerprintInput{
		Task:     task,
		Roles:    vc.EffectiveRoles(task).Sorted(),
		Mode:     mode,
		Private:  vc.PrivateSpace,
		Desktop:  vc.Desktop,
		Features: vc.Features,
		Tables:   checksum,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
