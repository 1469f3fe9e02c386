// Package plan loads sequence plans from YAML (or JSON) files and schedules
// them on a scheduler.
//
// A plan is a list of named sequences. Each step is a single-key map naming
// the operation and its interval, plus optional actions:
//
//	sequences:
//	  - name: warmup
//	    steps:
//	      - delay: 100
//	        log: warmed up
//	      - loop: 250ms
//	        log: heartbeat
//	        times: 4
//
// Intervals are default units (milliseconds): a number, a Go duration
// ("250ms", "2s") or HH:MM read as hours and minutes ("00:05").
//
// Actions:
//   - log: write the message at info level each time the step fires
//   - times: stop the whole sequence after the (last) loop step fired N times
//   - stop_after: stop the whole sequence once the step fired
package plan
