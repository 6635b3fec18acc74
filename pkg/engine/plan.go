package engine

import (
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"google.golang.org/api/calendar/v3"

	"github.com/harrisonrobin/tasksync/pkg/google"
	"github.com/harrisonrobin/tasksync/pkg/identity"
	"github.com/harrisonrobin/tasksync/pkg/mapper"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/recurrence"
)

const cancelledStatus = "cancelled"

// Stats counts the planning decisions that need no remote write.
type Stats struct {
	Tasks int
	// NoDates counts tasks skipped for a missing start or due date.
	NoDates int
	// Completed counts completed tasks with nothing left to cancel.
	Completed int
	Unchanged int
	// Adopted counts unmapped tasks bound to an existing remote event.
	Adopted int
	// Pruned counts mapping entries dropped without a remote write.
	Pruned int
}

// Plan is the outcome of planning one run.
type Plan struct {
	Ops []*Operation
	// Mapping is the task map to carry into submission. It already holds
	// adoptions and prunes; operation results are applied on top of it.
	Mapping map[string]string
	Stats   Stats
}

type planConfig struct {
	calendarID  string
	materialize bool
	force       bool
	identity    identity.Options
}

// planner decides the operations of one run against a fixed remote view. It
// performs no I/O.
type planner struct {
	cfg    planConfig
	mapper *mapper.Mapper
	logger *slog.Logger

	mapping map[string]string
	live    map[string]*calendar.Event
	liveIDs []string
	byOwner map[string][]*calendar.Event
	dedupe  map[string]*calendar.Event

	present map[string]bool
	// skipped holds tasks left alone this run (no dates, or completed);
	// events they own are never treated as orphans.
	skipped map[string]bool
	// claimed holds ids referenced by mappings of tasks still present, so
	// lookups for other tasks never steal them.
	claimed map[string]bool
	// used maps an id to the key bound to it during this run.
	used     map[string]string
	retained map[string]bool
	deleting map[string]bool

	plan Plan
}

func newPlanner(cfg planConfig, m *mapper.Mapper, tasks []model.Task, mapping map[string]string, remote map[string]*calendar.Event, logger *slog.Logger) *planner {
	p := &planner{
		cfg:      cfg,
		mapper:   m,
		logger:   logger,
		mapping:  maps.Clone(mapping),
		live:     make(map[string]*calendar.Event, len(remote)),
		byOwner:  make(map[string][]*calendar.Event),
		dedupe:   make(map[string]*calendar.Event),
		present:  make(map[string]bool, len(tasks)),
		skipped:  make(map[string]bool),
		claimed:  make(map[string]bool),
		used:     make(map[string]string),
		retained: make(map[string]bool),
		deleting: make(map[string]bool),
	}
	if p.mapping == nil {
		p.mapping = make(map[string]string)
	}

	for id, ev := range remote {
		if ev == nil || ev.Status == cancelledStatus {
			continue
		}
		p.live[id] = ev
		p.liveIDs = append(p.liveIDs, id)
	}
	slices.Sort(p.liveIDs)

	for _, id := range p.liveIDs {
		ev := p.live[id]
		if owner := private(ev, mapper.TaskIDKey); owner != "" {
			p.byOwner[owner] = append(p.byOwner[owner], ev)
		}
		key := identity.Key(ev, cfg.identity)
		if _, ok := p.dedupe[key]; !ok {
			p.dedupe[key] = ev
		}
	}

	for _, t := range tasks {
		p.present[t.ID] = true
	}
	for key, id := range p.mapping {
		if p.present[model.OwnerOf(key)] && p.live[id] != nil {
			p.claimed[id] = true
		}
	}
	return p
}

func (p *planner) run(tasks []model.Task) *Plan {
	if p.cfg.force {
		p.planForce(tasks)
	} else {
		for _, t := range tasks {
			p.planTask(t)
		}
		p.planOrphans()
	}
	p.plan.Mapping = p.mapping
	return &p.plan
}

// planForce deletes every managed event and inserts every task afresh.
func (p *planner) planForce(tasks []model.Task) {
	for _, id := range p.liveIDs {
		p.emitDelete("", private(p.live[id], mapper.TaskIDKey), p.live[id])
	}
	p.plan.Stats.Pruned += len(p.mapping)
	p.mapping = make(map[string]string)

	for _, t := range tasks {
		p.plan.Stats.Tasks++
		switch {
		case !t.HasDates():
			p.plan.Stats.NoDates++
		case t.Completed:
			p.plan.Stats.Completed++
		default:
			for _, kt := range p.targets(t, p.mapper.Map(t)) {
				p.emitInsert(kt.key, t.ID, kt.event)
			}
		}
	}
}

func (p *planner) planTask(t model.Task) {
	p.plan.Stats.Tasks++

	if !t.HasDates() {
		p.logger.Debug("skipping task without dates", slog.String("task_id", t.ID))
		p.plan.Stats.NoDates++
		p.skipped[t.ID] = true
		for _, key := range p.keysOwnedBy(t.ID) {
			p.retained[key] = true
		}
		return
	}

	if t.Completed {
		p.planCompleted(t)
		return
	}

	target := p.mapper.Map(t)
	if p.cfg.materialize && recurrence.Expandable(target) {
		p.planExpanded(t, target)
		return
	}
	p.planSingle(model.TaskKey(t.ID), t.ID, "", target)
}

// planCompleted cancels every live event still mapped to a completed task.
func (p *planner) planCompleted(t model.Task) {
	p.skipped[t.ID] = true
	emitted := false
	for _, key := range p.keysOwnedBy(t.ID) {
		p.retained[key] = true
		ev := p.liveMapped(key)
		if ev == nil {
			continue
		}
		p.bind(key, ev)
		p.add(&Operation{
			Kind:    OpCancel,
			Key:     key,
			TaskID:  t.ID,
			PriorID: ev.Id,
			Summary: ev.Summary,
			Request: google.Request{
				Method:  http.MethodPatch,
				Path:    google.EventPath(p.cfg.calendarID, ev.Id),
				IfMatch: ev.Etag,
				Body:    &calendar.Event{Status: cancelledStatus},
			},
		})
		emitted = true
	}
	if !emitted {
		p.plan.Stats.Completed++
	}
}

// planExpanded replaces a single event mapped under the bare task id with
// one event per occurrence.
func (p *planner) planExpanded(t model.Task, target *calendar.Event) {
	key := model.TaskKey(t.ID)
	occurrences, err := recurrence.Expand(target, t, p.mapper.Location())
	if err != nil {
		p.logger.Warn("cannot materialise recurrence, keeping the series",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		p.planSingle(key, t.ID, "", target)
		return
	}

	var replaced *Operation
	if ev := p.liveMapped(key); ev != nil {
		p.retained[key] = true
		replaced = p.emitDelete(key, t.ID, ev)
	}

	first := len(p.plan.Ops)
	for occ := range occurrences {
		date := private(occ, recurrence.OccurrenceKey)
		occ.ExtendedProperties.Private[mapper.FingerprintKey] = identity.Fingerprint(occ)
		p.planSingle(model.OccurrenceKey(t.ID, date), t.ID, date, occ)
	}
	// Occurrences only go out once the series they replace is gone.
	for _, op := range p.plan.Ops[first:] {
		op.after = replaced
	}
}

// planSingle reconciles one key: reuse the mapped event, else adopt an
// existing one, else insert.
func (p *planner) planSingle(key, taskID, occurrence string, target *calendar.Event) {
	p.retained[key] = true

	ev := p.liveMapped(key)
	if ev == nil {
		var how string
		ev, how = p.lookup(taskID, occurrence, target)
		if ev != nil {
			p.plan.Stats.Adopted++
			p.logger.Info("adopting existing event",
				slog.String("key", key),
				slog.String("event_id", ev.Id),
				slog.String("via", how),
			)
		}
	}

	if ev == nil {
		p.emitInsert(key, taskID, target)
		return
	}

	p.bind(key, ev)
	patch := mapper.Diff(ev, target)
	if patch == nil {
		p.plan.Stats.Unchanged++
		return
	}
	patch.ExtendedProperties = target.ExtendedProperties
	p.add(&Operation{
		Kind:    OpUpdate,
		Key:     key,
		TaskID:  taskID,
		PriorID: ev.Id,
		Summary: target.Summary,
		Request: google.Request{
			Method:  http.MethodPatch,
			Path:    google.EventPath(p.cfg.calendarID, ev.Id),
			IfMatch: ev.Etag,
			Body:    patch,
		},
	})
}

// planOrphans removes what no present task accounts for. Stale mapping
// entries are pruned when their event is gone or another task holds it,
// and their event is deleted otherwise; live managed events nothing
// references are deleted last.
func (p *planner) planOrphans() {
	survivors := make(map[string]bool)
	for key, id := range p.mapping {
		if p.retained[key] {
			survivors[id] = true
		}
	}

	for _, key := range slices.Sorted(maps.Keys(p.mapping)) {
		if p.retained[key] {
			continue
		}
		id := p.mapping[key]
		ev := p.live[id]
		switch {
		case ev == nil:
			p.prune(key, "event gone")
		case survivors[id]:
			p.prune(key, "event held by another task")
		case p.deleting[id]:
			// already going away with another key
		default:
			p.emitDelete(key, model.OwnerOf(key), ev)
		}
	}

	referenced := make(map[string]bool, len(p.mapping))
	for _, id := range p.mapping {
		referenced[id] = true
	}
	for _, id := range p.liveIDs {
		if referenced[id] || p.deleting[id] || p.used[id] != "" {
			continue
		}
		ev := p.live[id]
		owner := private(ev, mapper.TaskIDKey)
		if p.skipped[owner] {
			continue
		}
		p.emitDelete("", owner, ev)
	}
}

// liveMapped returns the live event mapped to key. A mapping whose event is
// gone is pruned; one whose event another key already bound this run is
// dropped so the key gets rebound.
func (p *planner) liveMapped(key string) *calendar.Event {
	id, ok := p.mapping[key]
	if !ok {
		return nil
	}
	ev := p.live[id]
	if ev == nil {
		p.prune(key, "event gone")
		return nil
	}
	if other, ok := p.used[id]; ok && other != key {
		p.logger.Warn("event mapped to two keys, rebinding",
			slog.String("key", key),
			slog.String("holder", other),
			slog.String("event_id", id),
		)
		delete(p.mapping, key)
		return nil
	}
	return ev
}

// lookup finds an unclaimed live event for an unmapped key: first by owner
// metadata, then by identity key.
func (p *planner) lookup(taskID, occurrence string, target *calendar.Event) (*calendar.Event, string) {
	for _, ev := range p.byOwner[taskID] {
		if p.free(ev.Id) && private(ev, recurrence.OccurrenceKey) == occurrence {
			return ev, "owner"
		}
	}
	if ev := p.dedupe[identity.Key(target, p.cfg.identity)]; ev != nil && p.free(ev.Id) {
		return ev, "identity"
	}
	return nil, ""
}

func (p *planner) free(id string) bool {
	return !p.claimed[id] && p.used[id] == "" && !p.deleting[id]
}

func (p *planner) bind(key string, ev *calendar.Event) {
	p.mapping[key] = ev.Id
	p.used[ev.Id] = key
}

func (p *planner) prune(key, why string) {
	p.logger.Debug("pruning mapping",
		slog.String("key", key),
		slog.String("event_id", p.mapping[key]),
		slog.String("reason", why),
	)
	delete(p.mapping, key)
	p.plan.Stats.Pruned++
}

func (p *planner) keysOwnedBy(taskID string) []string {
	var keys []string
	for key := range p.mapping {
		if model.OwnerOf(key) == taskID {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

type keyedTarget struct {
	key   string
	event *calendar.Event
}

// targets lists the payloads a task should own remotely, in date order.
func (p *planner) targets(t model.Task, target *calendar.Event) []keyedTarget {
	single := []keyedTarget{{key: model.TaskKey(t.ID), event: target}}
	if !p.cfg.materialize || !recurrence.Expandable(target) {
		return single
	}
	occurrences, err := recurrence.Expand(target, t, p.mapper.Location())
	if err != nil {
		p.logger.Warn("cannot materialise recurrence, keeping the series",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		return single
	}
	var out []keyedTarget
	for occ := range occurrences {
		date := private(occ, recurrence.OccurrenceKey)
		occ.ExtendedProperties.Private[mapper.FingerprintKey] = identity.Fingerprint(occ)
		out = append(out, keyedTarget{key: model.OccurrenceKey(t.ID, date), event: occ})
	}
	return out
}

func (p *planner) emitInsert(key, taskID string, ev *calendar.Event) {
	p.add(&Operation{
		Kind:    OpInsert,
		Key:     key,
		TaskID:  taskID,
		Summary: ev.Summary,
		Request: google.Request{
			Method: http.MethodPost,
			Path:   google.EventsPath(p.cfg.calendarID),
			Body:   ev,
		},
	})
}

func (p *planner) emitDelete(key, taskID string, ev *calendar.Event) *Operation {
	p.deleting[ev.Id] = true
	op := &Operation{
		Kind:    OpDelete,
		Key:     key,
		TaskID:  taskID,
		PriorID: ev.Id,
		Summary: ev.Summary,
		Request: google.Request{
			Method:  http.MethodDelete,
			Path:    google.EventPath(p.cfg.calendarID, ev.Id),
			IfMatch: ev.Etag,
		},
	}
	p.add(op)
	return op
}

func (p *planner) add(op *Operation) {
	p.plan.Ops = append(p.plan.Ops, op)
}

func private(ev *calendar.Event, key string) string {
	if ev == nil || ev.ExtendedProperties == nil {
		return ""
	}
	return ev.ExtendedProperties.Private[key]
}
