package engine

import (
	"github.com/petrijr/caseflow/pkg/api"
)

// commandRecord collects the history events that belong to one command.
type commandRecord struct {
	scheduled *api.HistoryEvent // activity.scheduled
	resolved  *api.HistoryEvent // first activity.completed / activity.failed
	failures  int               // activity.attempt_failed count

	timer    *api.HistoryEvent // timer.started
	fired    *api.HistoryEvent // timer.fired
	consumed *api.HistoryEvent // signal.consumed

	marker *api.HistoryEvent // marker.*
}

// opened reports whether the command was issued by the workflow, as opposed
// to only having results recorded against it.
func (r *commandRecord) opened() bool {
	return r.scheduled != nil || r.timer != nil || r.consumed != nil || r.marker != nil
}

// historyIndex is a read-only view over an instance history.
type historyIndex struct {
	started  *api.HistoryEvent
	terminal *api.HistoryEvent

	commands   map[int]*commandRecord
	maxCommand int

	signals  []*api.HistoryEvent
	consumed map[int64]bool
}

func indexHistory(h []api.HistoryEvent) *historyIndex {
	idx := &historyIndex{
		commands: make(map[int]*commandRecord),
		consumed: make(map[int64]bool),
	}
	for i := range h {
		ev := &h[i]
		switch ev.Type {
		case api.EventWorkflowStarted:
			idx.started = ev
		case api.EventWorkflowCompleted, api.EventWorkflowFailed:
			idx.terminal = ev
		case api.EventSignalReceived:
			idx.signals = append(idx.signals, ev)
		case api.EventSignalConsumed:
			idx.consumed[ev.Ref] = true
			idx.record(ev.Command).consumed = ev
		case api.EventActivityScheduled:
			idx.record(ev.Command).scheduled = ev
		case api.EventActivityAttemptFailed:
			idx.record(ev.Command).failures++
		case api.EventActivityCompleted, api.EventActivityFailed:
			if rec := idx.record(ev.Command); rec.resolved == nil {
				rec.resolved = ev
			}
		case api.EventTimerStarted:
			idx.record(ev.Command).timer = ev
		case api.EventTimerFired:
			idx.record(ev.Command).fired = ev
		case api.EventMarkerStage, api.EventMarkerCounter, api.EventMarkerTime:
			idx.record(ev.Command).marker = ev
		}
		if ev.Command > idx.maxCommand {
			if rec := idx.commands[ev.Command]; rec != nil && rec.opened() {
				idx.maxCommand = ev.Command
			}
		}
	}
	return idx
}

func (idx *historyIndex) record(cmd int) *commandRecord {
	rec := idx.commands[cmd]
	if rec == nil {
		rec = &commandRecord{}
		idx.commands[cmd] = rec
	}
	return rec
}

// oldestSignal returns the oldest unconsumed signal with the given name
// whose sequence number is below before (0 means no bound).
func (idx *historyIndex) oldestSignal(name string, before int64) *api.HistoryEvent {
	for _, s := range idx.signals {
		if before > 0 && s.Seq >= before {
			break
		}
		if s.Name == name && !idx.consumed[s.Seq] {
			return s
		}
	}
	return nil
}

// signalBySeq finds a received signal by sequence number.
func (idx *historyIndex) signalBySeq(seq int64) *api.HistoryEvent {
	for _, s := range idx.signals {
		if s.Seq == seq {
			return s
		}
	}
	return nil
}
