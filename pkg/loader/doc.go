// Package loader fetches or processes a list of identifiers through the
// request queue in fixed-size chunks, reporting progress as items resolve.
//
// Example usage:
//
//	l := loader.New[*hrclient.Employee](q, loader.Config{ChunkSize: 5})
//	results := l.LoadInBatches(ctx, ids, hr.GetEmployee, func(done, total int, latest *loader.Result[*hrclient.Employee]) {
//		fmt.Printf("%d/%d\n", done, total)
//	})
//
// The loader:
//   - splits ids into chunks of ChunkSize (default 5)
//   - submits every id of a chunk concurrently, with priority equal to the
//     id's position in the input so earlier ids win under contention
//   - waits for the whole chunk before starting the next one
//   - returns one Result per id, in input order, failures included
package loader
