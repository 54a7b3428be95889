package upload

// State is the lifecycle state of an upload run.
type State int

const (
	StateIdle State = iota
	StateInFlight
	StateCompleted
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is a snapshot of an upload run. Completed counts created records
// and Failed counts failed ones, so Completed+Failed never exceeds Total.
type Progress struct {
	Total        int   `json:"total"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	InProgress   int   `json:"in_progress"`
	CurrentBatch int   `json:"current_batch"`
	TotalBatches int   `json:"total_batches"`
	State        State `json:"state"`
}

// Done returns the number of records that reached an outcome.
func (p Progress) Done() int {
	return p.Completed + p.Failed
}

// Fraction returns Done/Total in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Done()) / float64(p.Total)
}

// ProgressFunc receives progress snapshots. It is called from the goroutine
// running the upload and should return quickly.
type ProgressFunc func(Progress)

// ProgressStream returns a ProgressFunc that forwards snapshots to ch.
// Snapshots are dropped while ch is full so a slow reader never stalls the
// upload. The final snapshot is always delivered, blocking if needed.
func ProgressStream(ch chan<- Progress) ProgressFunc {
	return func(p Progress) {
		if p.State == StateCompleted || p.State == StateHalted {
			ch <- p
			return
		}
		select {
		case ch <- p:
		default:
		}
	}
}
