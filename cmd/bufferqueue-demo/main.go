// Command bufferqueue-demo runs a producer and a consumer against a
// single BufferQueue in one process. RequestBuffer goes from a
// ProducerProxy to a ProducerStub over a socketpair or in-memory
// channel transport (-transport); FlushBuffer, AcquireBuffer and
// ReleaseBuffer are called on the queue and its Consumer directly.
// Each frame's sequence is printed and each release notification is
// logged.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/oniro-graphics/bufferqueue"
	"github.com/oniro-graphics/bufferqueue/internal/allocator"
	"github.com/oniro-graphics/bufferqueue/internal/allocator/memhal"
	"github.com/oniro-graphics/bufferqueue/internal/dispatch"
	"github.com/oniro-graphics/bufferqueue/internal/fence"
	"github.com/oniro-graphics/bufferqueue/internal/logging"
	"github.com/oniro-graphics/bufferqueue/internal/proto"
)

func main() {
	var (
		verbose   = flag.Bool("v", false, "verbose output")
		frames    = flag.Int("frames", 5, "number of frames to push through the queue")
		queueSize = flag.Int("queue-size", 3, "buffer queue depth")
		transport = flag.String("transport", "socket", "transport to use: socket or chan")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	q := bufferqueue.New(bufferqueue.Config{
		Name:      "demo",
		QueueSize: int32(*queueSize),
		Allocator: memhal.New(),
	})

	consumer := bufferqueue.NewConsumer(q)
	avail := make(chan struct{}, *frames+1)
	consumer.SetListener(availableFunc(func() {
		select {
		case avail <- struct{}{}:
		default:
		}
	}))

	stub := bufferqueue.NewProducerStub(q)
	stub.RegisterReleaseListener(releaseFunc{
		onReleased: func(buf *bufferqueue.Buffer) {
			logger.Info("producer notified of release", "sequence", buf.Sequence())
		},
	})

	clientSide, serverSide, err := newTransportPair(*transport)
	if err != nil {
		logger.Error("failed to create transport", "error", err)
		os.Exit(1)
	}
	defer clientSide.Close()
	defer serverSide.Close()

	go serveLoop(stub, serverSide)

	proxy := bufferqueue.NewProducerProxy(clientSide)
	cfg := allocator.Config{Width: 1920, Height: 1080, StrideAlignment: 64, Format: 1}

	for i := 0; i < *frames; i++ {
		buf, err := proxy.RequestBuffer(cfg)
		if err != nil {
			logger.Error("request buffer failed", "error", err)
			os.Exit(1)
		}

		if err := q.FlushBuffer(buf.Sequence(), nil, nil, bufferqueue.BufferFlushConfigWithDamages{
			Damages:   []proto.Rect{{Width: cfg.Width, Height: cfg.Height}},
			Timestamp: time.Now().UnixNano(),
		}); err != nil {
			logger.Error("flush buffer failed", "error", err)
			os.Exit(1)
		}

		<-avail
		acquired, err := consumer.AcquireBuffer(nil)
		if err != nil {
			logger.Error("acquire buffer failed", "error", err)
			os.Exit(1)
		}

		fmt.Printf("frame %d: sequence=%d size=%dx%d\n", i, acquired.Sequence, cfg.Width, cfg.Height)

		if err := consumer.ReleaseBuffer(acquired.Sequence, nil); err != nil {
			logger.Error("release buffer failed", "error", err)
			os.Exit(1)
		}
	}

	fmt.Printf("dropped frames: %d\n", q.DroppedFrames())
}

func newTransportPair(kind string) (dispatch.Transport, dispatch.Transport, error) {
	switch kind {
	case "chan":
		client, server := dispatch.NewChanPair(8)
		return client, server, nil
	default:
		return dispatch.NewSocketPair()
	}
}

func serveLoop(stub *bufferqueue.ProducerStub, serverSide dispatch.Transport) {
	const pid = 1
	for {
		req, err := serverSide.Recv()
		if err != nil {
			return
		}
		reply := stub.Dispatch(pid, req)
		if err := serverSide.Send(reply); err != nil {
			return
		}
	}
}

type availableFunc func()

func (f availableFunc) OnBufferAvailable() { f() }

type releaseFunc struct {
	onReleased func(buf *bufferqueue.Buffer)
}

func (r releaseFunc) OnBufferReleased(buf *bufferqueue.Buffer) {
	if r.onReleased != nil {
		r.onReleased(buf)
	}
}

func (r releaseFunc) OnBufferReleasedWithFence(buf *bufferqueue.Buffer, _ *fence.Fence) {
	r.OnBufferReleased(buf)
}
