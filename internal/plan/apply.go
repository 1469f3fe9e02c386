package plan

import (
	"tickq/internal/scheduler"
	logx "tickq/pkg/logx"
)

// Apply schedules every sequence of p on s, one Queue per sequence, in plan
// order.
func Apply(s *scheduler.Scheduler, p *Plan, log logx.Logger) []*scheduler.Queue {
	if p == nil {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	queues := make([]*scheduler.Queue, 0, len(p.Sequences))
	for _, seq := range p.Sequences {
		// The queue exists before any entry is scheduled so step actions can
		// stop it from the very first firing.
		q := s.Sequence()
		slog := log.With(logx.String("sequence", seq.Name), logx.String("queue", q.ID()))

		entries := make([]scheduler.Entry, 0, len(seq.Steps))
		for i, st := range seq.Steps {
			entries = append(entries, scheduler.Entry{
				Op:   st.Op,
				Time: st.Units,
				Task: stepFunc(q, st, slog.With(logx.Int("step", i))),
			})
		}
		q.Add(entries...)
		slog.Info("sequence scheduled", logx.Int("steps", len(entries)))
		queues = append(queues, q)
	}
	return queues
}

func stepFunc(q *scheduler.Queue, st Step, log logx.Logger) scheduler.Func {
	fired := 0
	return func(t *scheduler.Task) {
		fired++
		if st.Log != "" {
			log.Info(st.Log,
				logx.String("op", st.Op.String()),
				logx.Uint64("task", t.ID()),
				logx.Int("fired", fired),
			)
		}
		if st.StopAfter || (st.Times > 0 && fired >= st.Times) {
			log.Debug("sequence stopped by step", logx.Int("fired", fired))
			q.Stop()
		}
	}
}
