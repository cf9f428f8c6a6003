//go:build !windows
// +build !windows

package exec

import (
	"context"
	"syscall"
)

// NoInterruptContext returns a context.Context whose Commands run in their
// own process group and keep running when ctx is canceled or this process
// receives an interrupt. A Run function injected via NewContext is
// preserved.
func NoInterruptContext(ctx context.Context) context.Context {
	parent := getCtx(ctx)
	runFn := func(ctx context.Context, c *Command) error {
		c.SysProcAttr = &syscall.SysProcAttr{
			Setpgid: true,
		}
		return parent.runFn(ctx, c)
	}
	return NewContext(withoutCancel(ctx), runFn)
}
