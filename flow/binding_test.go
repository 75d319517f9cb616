package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-flows/backend/converter"
)

type testBinding struct {
	mu      sync.Mutex
	clock   *clock.Mock
	logger  *slog.Logger
	commits []*Commit

	// commitErr is returned by the next commit, if set.
	commitErr error

	// versionSkew is added to the version returned by commits.
	versionSkew int64
}

func newTestBinding() *testBinding {
	return &testBinding{
		clock:  clock.NewMock(),
		logger: slog.Default(),
	}
}

func (b *testBinding) Clock() clock.Clock {
	return b.clock
}

func (b *testBinding) Logger() *slog.Logger {
	return b.logger
}

func (b *testBinding) Converter() converter.Converter {
	return converter.DefaultConverter
}

func (b *testBinding) Commit(_ context.Context, c *Commit) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.commitErr; err != nil {
		b.commitErr = nil
		return 0, err
	}

	b.commits = append(b.commits, c)

	return c.ExpectedVersion + 1 + b.versionSkew, nil
}

func (b *testBinding) Commits() []*Commit {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*Commit(nil), b.commits...)
}
