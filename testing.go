package splax

import (
	"context"

	"github.com/splax-s/splax/internal/bootcfg"
	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/ipc"
	"github.com/splax-s/splax/internal/service"
)

// NewTestKernel boots a Kernel from bootcfg.Default() with no boot lock and
// no service bindings, the way a unit test wants a fully wired kernel
// without touching a real boot descriptor file or risking a double-boot
// lock collision with other tests. Callers are responsible for calling
// Shutdown when done.
func NewTestKernel(ctx context.Context) (*Kernel, error) {
	return Boot(ctx, BootParams{Config: bootcfg.Default()}, nil)
}

// MockService is an auto-replying stand-in for a userspace VFS, socket, or
// device service: it receives every request on its bound channel and
// immediately answers with a fixed reply tag and body, the way a test
// double for a Backend answers every I/O call without touching real
// storage.
type MockService struct {
	Domain   string
	PID      capability.ProcessID // this service's own process ID
	Requests *ipc.Channel         // service's receive side (kernel -> service)
	Replies  *ipc.Channel         // service's send side (service -> kernel)

	ReplyTag  service.OpTag
	ReplyBody []byte

	capTable *capability.Table

	seen []service.Envelope
}

// NewMockService creates a mock service bound to the given request/reply
// channel pair, replying to every request with ReplyOk and an empty body
// unless overridden. pid must be the process ID the Requests channel was
// created with as its receiver and the Replies channel as its sender.
func NewMockService(domain string, pid capability.ProcessID, requests, replies *ipc.Channel, capTable *capability.Table) *MockService {
	return &MockService{
		Domain:   domain,
		PID:      pid,
		Requests: requests,
		Replies:  replies,
		ReplyTag: service.ReplyOk,
		capTable: capTable,
	}
}

// Run drains Requests until ctx is cancelled or the channel closes,
// recording each decoded Envelope and echoing back ReplyTag/ReplyBody
// stamped with the original RequestID. It is meant to run on its own
// goroutine, standing in for a real userspace service under test.
func (m *MockService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, ok, err := m.Requests.Receive(m.PID, m.capTable)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.Requests.Wait():
			}
			continue
		}

		env, err := service.UnmarshalEnvelope(msg.Inline)
		if err != nil {
			continue
		}
		m.seen = append(m.seen, env)

		reply := service.Envelope{
			RequestID: env.RequestID,
			Tag:       m.ReplyTag,
			CallerPID: env.CallerPID,
			Body:      m.ReplyBody,
		}
		_ = m.Replies.Send(m.PID, ipc.Message{Inline: reply.Marshal()})
	}
}

// Seen returns every request envelope this mock has decoded so far, for
// test assertions.
func (m *MockService) Seen() []service.Envelope {
	return m.seen
}
