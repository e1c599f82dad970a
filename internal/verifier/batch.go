package verifier

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// VerifyBatch verifies a small set of addresses concurrently, each under
// a global governor slot, and returns verdicts in input order. It serves
// the synchronous API path; chunk processing in the worker does its own
// fan-out because it needs per-completion progress.
func (k *Kernel) VerifyBatch(ctx context.Context, emails []string) ([]Verdict, error) {
	verdicts := make([]Verdict, len(emails))

	g, gctx := errgroup.WithContext(ctx)
	for i, email := range emails {
		g.Go(func() error {
			if err := k.gov.AcquireGlobal(gctx); err != nil {
				return err
			}
			defer k.gov.ReleaseGlobal()
			verdicts[i] = k.Verify(gctx, email)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return verdicts, nil
}
