package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pxeboot/corepipe/internal/socket"
	"github.com/pxeboot/corepipe/internal/xfer"
)

func TestRunLoopbackDemoEchoesPayload(t *testing.T) {
	sched := xfer.NewScheduler(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	table := NewTable()
	payload := []byte("hello from the loopback demo")

	demoCtx, cancelDemo := context.WithTimeout(ctx, 5*time.Second)
	defer cancelDemo()

	echoed, err := RunLoopbackDemo(demoCtx, socket.New(), sched, table, nil, payload)
	require.NoError(t, err)
	require.Equal(t, payload, echoed)
}
