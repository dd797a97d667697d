package handover

import (
	"context"
	"os"
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

var l = log15.New()

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "handover_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func errorCause(err error) error {
	return errors.Cause(err)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
