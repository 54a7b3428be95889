// Package queue implements the adaptive request queue that governs every call
// made to the HR API.
//
// Work is submitted as an opaque Operation with a priority. A single
// processing loop dispatches pending items in ascending priority order
// (ties by submission order) while enforcing:
//
//   - hard per-second and per-minute dispatch ceilings (ratelimit.Window),
//   - a bounded number of in-flight operations (permit.Pool),
//   - an adaptive inter-dispatch delay that speeds up after a streak of
//     successes and slows down under error pressure (ratelimit.SpeedState).
//
// Failures are classified into a closed set of classes (see ErrorClass).
// Rate-limited, transient server and network failures are retried with
// exponential backoff and a boosted priority, so callers only ever see
// permanent failures or exhausted retry budgets.
//
// Example usage:
//
//	q := queue.New(queue.Config{MaxConcurrency: 3, PerSecondLimit: 5})
//	defer q.Close()
//
//	id, err := queue.Do(ctx, q, func(ctx context.Context) (string, error) {
//		return hr.CreateEmployee(ctx, employee)
//	}, queue.WithPriority(row))
//
// Only dispatch order is guaranteed; completion order is not.
package queue
