// Package upload creates many records in the HR system through the request
// queue, batch by batch, in one of two modes.
//
// Atomic mode stops at the first failed record. Records created before the
// failure stay created; nothing is rolled back. Outcomes are returned for the
// records that were attempted only.
//
// Best-effort mode attempts every record and returns one outcome per input
// record, in input order.
//
// Example usage:
//
//	o := upload.New[hrclient.Employee](q, upload.Config{BatchSize: 10})
//	report, err := o.UploadBestEffort(ctx, employees, func(ctx context.Context, e hrclient.Employee) (string, error) {
//		created, err := hr.CreateEmployee(ctx, e)
//		if err != nil {
//			return "", err
//		}
//		return created.ID, nil
//	}, upload.ProgressStream(progressCh))
//
// Both modes pause for DelayBetweenBatches between batches and report
// Progress when a batch starts, when it completes, and when the run ends.
package upload
